package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameLen = 50

// NormalizePath returns the form of path that workspace ids are derived
// from: absolute, symlinks resolved when the path exists, lower-cased,
// forward slashes, no trailing slash.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	normalized := strings.ToLower(abs)
	normalized = strings.ReplaceAll(normalized, `\`, "/")
	normalized = strings.TrimRight(normalized, "/")
	return normalized, nil
}

// CanonicalPath returns the absolute, symlink-resolved path with its case kept
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// WorkspaceID derives the stable id of the workspace rooted at path:
// sanitize(basename) + "_" + the first 8 hex chars of sha256(normalized path).
func WorkspaceID(path string) (string, error) {
	normalized, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return SanitizeName(DisplayName(path)) + "_" + hex.EncodeToString(sum[:])[:8], nil
}

// DisplayName returns the directory name of path, or "workspace"
func DisplayName(path string) string {
	if canonical, err := CanonicalPath(path); err == nil {
		path = canonical
	}
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "workspace"
	}
	return name
}

// SanitizeName makes name safe for use as a directory name
func SanitizeName(name string) string {
	s := strings.ToLower(name)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ', '.':
			return '_'
		}
		return r
	}, s)
	s = truncateUTF8(s, maxNameLen)
	first := '_'
	for _, r := range s {
		first = r
		break
	}
	if !unicode.IsLetter(first) && !unicode.IsDigit(first) {
		s = "ws_" + s
	}
	return s
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
