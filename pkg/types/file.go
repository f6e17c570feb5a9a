package types

import "time"

// File is a tracked source file of one workspace.
// Path is workspace-relative and always uses forward slashes.
type File struct {
	Path               string
	ContentFingerprint string
	Language           string
	SizeBytes          int64
	LastIndexedAt      time.Time
}
