package types

import (
	"fmt"
	"strings"
	"time"
)

// WorkspaceType classifies a workspace's lifecycle policy
type WorkspaceType string

const (
	WorkspacePrimary   WorkspaceType = "primary"
	WorkspaceReference WorkspaceType = "reference"
	WorkspaceSession   WorkspaceType = "session"
)

// ParseWorkspaceType parses a user supplied workspace type
func ParseWorkspaceType(s string) (WorkspaceType, error) {
	switch WorkspaceType(strings.ToLower(strings.TrimSpace(s))) {
	case WorkspacePrimary:
		return WorkspacePrimary, nil
	case WorkspaceReference, "":
		return WorkspaceReference, nil
	case WorkspaceSession:
		return WorkspaceSession, nil
	default:
		return "", fmt.Errorf("invalid workspace type %q: must be one of primary, reference, session", s)
	}
}

// WorkspaceStatus is the health of a workspace's store
type WorkspaceStatus string

const (
	StatusActive   WorkspaceStatus = "active"
	StatusIndexing WorkspaceStatus = "indexing"
	StatusDegraded WorkspaceStatus = "degraded"
	// StatusOrphaned marks an entry whose removal has begun
	StatusOrphaned WorkspaceStatus = "orphaned"
)

// WorkspaceEntry is the registry's durable record of one workspace
type WorkspaceEntry struct {
	ID             string          `json:"id"`
	OriginalPath   string          `json:"original_path"`
	DisplayName    string          `json:"display_name"`
	WorkspaceType  WorkspaceType   `json:"workspace_type"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	DocumentCount  int             `json:"document_count"`
	FileCount      int             `json:"file_count"`
	IndexSizeBytes int64           `json:"index_size_bytes"`
	Status         WorkspaceStatus `json:"status"`
	LastError      string          `json:"last_error,omitempty"`
}

// IsPrimary returns true for the Primary workspace
func (e *WorkspaceEntry) IsPrimary() bool {
	return e.WorkspaceType == WorkspacePrimary
}

// Removing reports whether the entry is marked for removal. A marked entry
// is no longer served and its store may already be gone.
func (e *WorkspaceEntry) Removing() bool {
	return e.Status == StatusOrphaned
}

// IsExpired reports whether a TTL-governed entry has reached its expiry
func (e *WorkspaceEntry) IsExpired(now time.Time) bool {
	if e.IsPrimary() || e.ExpiresAt == nil {
		return false
	}
	return !e.ExpiresAt.After(now)
}

// Clone returns a deep copy of the entry
func (e *WorkspaceEntry) Clone() *WorkspaceEntry {
	c := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// OrphanReason explains why a physical store was classified as orphaned
type OrphanReason string

const (
	OrphanNoRegistryEntry OrphanReason = "no_registry_entry"
	OrphanCorruptedIndex  OrphanReason = "corrupted_index"
	OrphanManuallyMarked  OrphanReason = "manually_marked"
)

// OrphanedIndex is a physical store directory with no matching registry entry
type OrphanedIndex struct {
	DirectoryName        string       `json:"directory_name"`
	DiscoveredAt         time.Time    `json:"discovered_at"`
	LastModified         time.Time    `json:"last_modified"`
	ScheduledForDeletion time.Time    `json:"scheduled_for_deletion"`
	SizeBytes            int64        `json:"size_bytes"`
	Reason               OrphanReason `json:"reason"`
}

// DueForDeletion reports whether the orphan's grace period has passed
func (o *OrphanedIndex) DueForDeletion(now time.Time) bool {
	return !o.ScheduledForDeletion.After(now)
}
