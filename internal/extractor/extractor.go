package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Extractor turns the content of one source file into symbols and
// relationships. Implementations must be safe for concurrent use.
type Extractor interface {
	Language() string
	Extract(ctx context.Context, path string, content []byte) (*types.ExtractResult, error)
}

// extToLanguage maps file extensions to canonical language names.
var extToLanguage = map[string]string{
	".go":  "go",
	".py":  "python",
	".pyi": "python",
	".js":  "javascript",
	".jsx": "javascript",
	".mjs": "javascript",
	".cjs": "javascript",
	".ts":  "typescript",
	".mts": "typescript",
	".cts": "typescript",
}

// LanguageFor returns the language name for a path based on its extension,
// or "" when the extension is not recognized.
func LanguageFor(path string) string {
	return extToLanguage[strings.ToLower(filepath.Ext(path))]
}

// Registry selects an Extractor by file extension
type Registry struct {
	byLanguage map[string]Extractor
}

// NewRegistry returns a registry holding every supported language
func NewRegistry() *Registry {
	r := &Registry{byLanguage: make(map[string]Extractor)}
	r.register(NewGo())
	r.register(newTreeSitter(pythonGrammar()))
	r.register(newTreeSitter(javascriptGrammar()))
	r.register(newTreeSitter(typescriptGrammar()))
	return r
}

func (r *Registry) register(e Extractor) {
	r.byLanguage[e.Language()] = e
}

// For returns the extractor responsible for path
func (r *Registry) For(path string) (Extractor, bool) {
	lang := LanguageFor(path)
	if lang == "" {
		return nil, false
	}
	e, ok := r.byLanguage[lang]
	return e, ok
}

// Supports reports whether path has an extractor
func (r *Registry) Supports(path string) bool {
	_, ok := r.For(path)
	return ok
}

// Languages lists the registered language names in sorted order
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.byLanguage))
	for l := range r.byLanguage {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// Extensions lists the recognized file extensions in sorted order
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(extToLanguage))
	for ext, lang := range extToLanguage {
		if _, ok := r.byLanguage[lang]; ok {
			exts = append(exts, ext)
		}
	}
	sort.Strings(exts)
	return exts
}

// SymbolID derives a deterministic symbol id from the declaring file, the
// symbol name and its start position.
func SymbolID(path, name string, line, col int) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s:%d:%d:%s", path, line, col, name)))
}

// namespace separates callable names from type names when linking
type namespace int

const (
	nsCallable namespace = iota
	nsType
)

// pendingRef is a by-name reference resolved once every symbol of the file
// is known. Targets outside the file are dropped.
type pendingRef struct {
	from   string
	ns     namespace
	target string
	kind   types.RelationshipKind
	line   int
}

type nameKey struct {
	ns   namespace
	name string
}

// linker resolves pending references against the symbols of one file
type linker struct {
	path    string
	byName  map[nameKey][]string
	pending []pendingRef
}

func newLinker(path string) *linker {
	return &linker{path: path, byName: make(map[nameKey][]string)}
}

func (l *linker) define(ns namespace, name, id string) {
	k := nameKey{ns: ns, name: name}
	l.byName[k] = append(l.byName[k], id)
}

func (l *linker) refer(from string, ns namespace, target string, kind types.RelationshipKind, line int) {
	if from == "" || target == "" {
		return
	}
	l.pending = append(l.pending, pendingRef{from: from, ns: ns, target: target, kind: kind, line: line})
}

// resolve returns one relationship per reference whose target name maps to
// exactly one symbol. Duplicate edges are collapsed.
func (l *linker) resolve() []types.Relationship {
	var rels []types.Relationship
	seen := make(map[string]bool)
	for _, p := range l.pending {
		ids := l.byName[nameKey{ns: p.ns, name: p.target}]
		if len(ids) != 1 || ids[0] == p.from {
			continue
		}
		key := p.from + "|" + ids[0] + "|" + string(p.kind)
		if seen[key] {
			continue
		}
		seen[key] = true
		rels = append(rels, types.Relationship{
			FromSymbolID: p.from,
			ToSymbolID:   ids[0],
			Kind:         p.kind,
			FilePath:     l.path,
			Line:         p.line,
		})
	}
	return rels
}
