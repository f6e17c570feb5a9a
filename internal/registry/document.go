package registry

import (
	"sort"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// FormatVersion is the registry file layout version
const FormatVersion = "1.0"

// Settings are the registry-wide policies persisted with the registry
type Settings struct {
	DefaultTTLSeconds      int64 `json:"default_ttl_seconds"`
	SessionTTLSeconds      int64 `json:"session_ttl_seconds"`
	MaxTotalSizeBytes      int64 `json:"max_total_size_bytes"`
	AutoCleanupEnabled     bool  `json:"auto_cleanup_enabled"`
	CleanupIntervalSeconds int64 `json:"cleanup_interval_seconds"`
	OrphanGraceSeconds     int64 `json:"orphan_grace_seconds"`
}

// DefaultSettings returns the policies of a freshly created registry
func DefaultSettings() Settings {
	return Settings{
		DefaultTTLSeconds:      int64((7 * 24 * time.Hour).Seconds()),
		SessionTTLSeconds:      int64((24 * time.Hour).Seconds()),
		MaxTotalSizeBytes:      500 * 1024 * 1024,
		AutoCleanupEnabled:     true,
		CleanupIntervalSeconds: int64(time.Hour.Seconds()),
		OrphanGraceSeconds:     int64((24 * time.Hour).Seconds()),
	}
}

// DefaultTTL returns the Reference workspace TTL
func (s Settings) DefaultTTL() time.Duration {
	return time.Duration(s.DefaultTTLSeconds) * time.Second
}

// SessionTTL returns the Session workspace TTL; zero means sessions never expire
func (s Settings) SessionTTL() time.Duration {
	return time.Duration(s.SessionTTLSeconds) * time.Second
}

// OrphanGrace returns how long an orphan is kept before cleanup may delete it
func (s Settings) OrphanGrace() time.Duration {
	return time.Duration(s.OrphanGraceSeconds) * time.Second
}

// TTLFor returns the TTL governing entries of the given type, or zero when
// the type never expires.
func (s Settings) TTLFor(t types.WorkspaceType) time.Duration {
	switch t {
	case types.WorkspaceReference:
		return s.DefaultTTL()
	case types.WorkspaceSession:
		return s.SessionTTL()
	default:
		return 0
	}
}

// Statistics are totals recomputed on every persist
type Statistics struct {
	TotalWorkspaces     int        `json:"total_workspaces"`
	TotalOrphans        int        `json:"total_orphans"`
	TotalIndexSizeBytes int64      `json:"total_index_size_bytes"`
	TotalDocuments      int        `json:"total_documents"`
	TotalFiles          int        `json:"total_files"`
	LastCleanup         *time.Time `json:"last_cleanup,omitempty"`
}

// Document is the on-disk registry layout
type Document struct {
	Version             string                           `json:"version"`
	LastUpdated         time.Time                        `json:"last_updated"`
	PrimaryWorkspace    *types.WorkspaceEntry            `json:"primary_workspace"`
	ReferenceWorkspaces map[string]*types.WorkspaceEntry `json:"reference_workspaces"`
	OrphanedIndexes     map[string]*types.OrphanedIndex  `json:"orphaned_indexes"`
	Config              Settings                         `json:"config"`
	Statistics          Statistics                       `json:"statistics"`
}

func newDocument(now time.Time) *Document {
	return &Document{
		Version:             FormatVersion,
		LastUpdated:         now,
		ReferenceWorkspaces: make(map[string]*types.WorkspaceEntry),
		OrphanedIndexes:     make(map[string]*types.OrphanedIndex),
		Config:              DefaultSettings(),
	}
}

// normalize fills maps a hand-edited or older file may have left nil
func (d *Document) normalize() {
	if d.Version == "" {
		d.Version = FormatVersion
	}
	if d.ReferenceWorkspaces == nil {
		d.ReferenceWorkspaces = make(map[string]*types.WorkspaceEntry)
	}
	if d.OrphanedIndexes == nil {
		d.OrphanedIndexes = make(map[string]*types.OrphanedIndex)
	}
	if d.Config.DefaultTTLSeconds <= 0 && d.Config.MaxTotalSizeBytes <= 0 {
		d.Config = DefaultSettings()
	}
}

// Clone returns a deep copy of the document
func (d *Document) Clone() *Document {
	c := *d
	if d.PrimaryWorkspace != nil {
		c.PrimaryWorkspace = d.PrimaryWorkspace.Clone()
	}
	c.ReferenceWorkspaces = make(map[string]*types.WorkspaceEntry, len(d.ReferenceWorkspaces))
	for id, e := range d.ReferenceWorkspaces {
		c.ReferenceWorkspaces[id] = e.Clone()
	}
	c.OrphanedIndexes = make(map[string]*types.OrphanedIndex, len(d.OrphanedIndexes))
	for name, o := range d.OrphanedIndexes {
		oc := *o
		c.OrphanedIndexes[name] = &oc
	}
	if d.Statistics.LastCleanup != nil {
		t := *d.Statistics.LastCleanup
		c.Statistics.LastCleanup = &t
	}
	return &c
}

// Lookup returns the entry with the given id, Primary included
func (d *Document) Lookup(id string) (*types.WorkspaceEntry, bool) {
	if d.PrimaryWorkspace != nil && d.PrimaryWorkspace.ID == id {
		return d.PrimaryWorkspace, true
	}
	e, ok := d.ReferenceWorkspaces[id]
	return e, ok
}

// Entries returns every entry, Primary first and the rest ordered by id
func (d *Document) Entries() []*types.WorkspaceEntry {
	out := make([]*types.WorkspaceEntry, 0, len(d.ReferenceWorkspaces)+1)
	if d.PrimaryWorkspace != nil {
		out = append(out, d.PrimaryWorkspace)
	}
	ids := make([]string, 0, len(d.ReferenceWorkspaces))
	for id := range d.ReferenceWorkspaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out = append(out, d.ReferenceWorkspaces[id])
	}
	return out
}

func (d *Document) recomputeStatistics() {
	entries := d.Entries()
	d.Statistics.TotalWorkspaces = len(entries)
	d.Statistics.TotalOrphans = len(d.OrphanedIndexes)
	d.Statistics.TotalIndexSizeBytes = 0
	d.Statistics.TotalDocuments = 0
	d.Statistics.TotalFiles = 0
	for _, e := range entries {
		d.Statistics.TotalIndexSizeBytes += e.IndexSizeBytes
		d.Statistics.TotalDocuments += e.DocumentCount
		d.Statistics.TotalFiles += e.FileCount
	}
}
