package registry

import (
	"context"
	"sort"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// MarkOrphans reconciles the orphan records with a fresh scan: found
// directories are recorded (keeping the first discovery time and grace
// deadline), registered ids are skipped, and records whose directory is gone
// are dropped.
func (r *Registry) MarkOrphans(ctx context.Context, found []types.OrphanedIndex) error {
	return r.update(func(doc *Document) error {
		grace := doc.Config.OrphanGrace()
		next := make(map[string]*types.OrphanedIndex, len(found))
		for i := range found {
			o := found[i]
			if _, ok := doc.Lookup(o.DirectoryName); ok {
				continue
			}
			if prev, ok := doc.OrphanedIndexes[o.DirectoryName]; ok {
				o.DiscoveredAt = prev.DiscoveredAt
				o.ScheduledForDeletion = prev.ScheduledForDeletion
				if prev.Reason == types.OrphanManuallyMarked {
					o.Reason = prev.Reason
				}
			} else {
				if o.DiscoveredAt.IsZero() {
					o.DiscoveredAt = r.now().UTC()
				}
				o.ScheduledForDeletion = o.DiscoveredAt.Add(grace)
			}
			next[o.DirectoryName] = &o
		}
		if equalOrphans(doc.OrphanedIndexes, next) {
			return errUnchanged
		}
		doc.OrphanedIndexes = next
		return nil
	})
}

func equalOrphans(a, b map[string]*types.OrphanedIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || v.Reason != w.Reason || v.SizeBytes != w.SizeBytes ||
			!v.DiscoveredAt.Equal(w.DiscoveredAt) || !v.LastModified.Equal(w.LastModified) ||
			!v.ScheduledForDeletion.Equal(w.ScheduledForDeletion) {
			return false
		}
	}
	return true
}

// Orphans returns the recorded orphans ordered by directory name
func (r *Registry) Orphans(ctx context.Context) []types.OrphanedIndex {
	doc := r.snapshot()
	out := make([]types.OrphanedIndex, 0, len(doc.OrphanedIndexes))
	for _, o := range doc.OrphanedIndexes {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DirectoryName < out[j].DirectoryName })
	return out
}

// ForgetOrphan drops an orphan record after its directory was deleted
func (r *Registry) ForgetOrphan(ctx context.Context, name string) error {
	return r.update(func(doc *Document) error {
		if _, ok := doc.OrphanedIndexes[name]; !ok {
			return errUnchanged
		}
		delete(doc.OrphanedIndexes, name)
		return nil
	})
}
