package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Removal is a pending deletion of a workspace. BeginRemove marks the entry
// so it is no longer served; the caller deletes the physical store, then
// calls Commit. If the delete fails it calls Abort and the entry survives,
// marked Degraded.
type Removal struct {
	r     *Registry
	entry *types.WorkspaceEntry
	once  sync.Once
}

// BeginRemove marks a non-Primary workspace for removal. An entry left
// marked by an interrupted removal can be marked again.
func (r *Registry) BeginRemove(ctx context.Context, id string) (*Removal, error) {
	var entry *types.WorkspaceEntry
	err := r.update(func(doc *Document) error {
		e, ok := doc.Lookup(id)
		if !ok {
			return fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, id)
		}
		if e.IsPrimary() {
			return fmt.Errorf("%w: %s", types.ErrPrimaryImmutable, id)
		}
		entry = e.Clone()
		if e.Removing() {
			return errUnchanged
		}
		e.Status = types.StatusOrphaned
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("registry.remove_begun", "id", id)
	return &Removal{r: r, entry: entry}, nil
}

// Entry returns the entry being removed
func (m *Removal) Entry() *types.WorkspaceEntry {
	return m.entry
}

// Commit deletes the entry from the registry
func (m *Removal) Commit(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		err = m.r.update(func(doc *Document) error {
			if _, ok := doc.ReferenceWorkspaces[m.entry.ID]; !ok {
				return errUnchanged
			}
			delete(doc.ReferenceWorkspaces, m.entry.ID)
			delete(doc.OrphanedIndexes, m.entry.ID)
			return nil
		})
		if err == nil {
			m.r.logger.Info("registry.removed", "id", m.entry.ID)
		}
	})
	return err
}

// Abort clears the removal mark and records the physical failure; the
// entry is kept, marked Degraded.
func (m *Removal) Abort(ctx context.Context, cause error) error {
	var err error
	m.once.Do(func() {
		m.r.logger.Warn("registry.remove_aborted", "id", m.entry.ID, "error", cause)
		err = m.r.update(func(doc *Document) error {
			e, ok := doc.Lookup(m.entry.ID)
			if !ok {
				return fmt.Errorf("%w: %s", types.ErrWorkspaceNotFound, m.entry.ID)
			}
			e.Status = types.StatusDegraded
			e.LastError = ""
			if cause != nil {
				e.LastError = cause.Error()
			}
			return nil
		})
	})
	return err
}
