package registry

import (
	"context"
	"time"
)

// Touch records an access to a workspace. Accesses are buffered and become
// durable on the next flush: when the buffer is full, on FlushTouches, or
// during an eviction sweep.
func (r *Registry) Touch(ctx context.Context, id string) error {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()

	if !r.touches.Contains(id) && r.touches.Len() >= r.cfg.TouchBuffer {
		if err := r.flushLocked(ctx); err != nil {
			return err
		}
	}
	r.touches.Add(id, r.now().UTC())
	return nil
}

// PendingTouches returns the number of buffered accesses
func (r *Registry) PendingTouches() int {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()
	return r.touches.Len()
}

// FlushTouches persists every buffered access in one registry write,
// extending the expiry of TTL-governed entries.
func (r *Registry) FlushTouches(ctx context.Context) error {
	r.touchMu.Lock()
	defer r.touchMu.Unlock()
	return r.flushLocked(ctx)
}

func (r *Registry) flushLocked(ctx context.Context) error {
	if r.touches.Len() == 0 {
		return nil
	}
	pending := make(map[string]time.Time, r.touches.Len())
	for _, id := range r.touches.Keys() {
		if at, ok := r.touches.Peek(id); ok {
			pending[id] = at
		}
	}

	err := r.update(func(doc *Document) error {
		for id, at := range pending {
			e, ok := doc.Lookup(id)
			if !ok {
				continue
			}
			if at.After(e.LastAccessedAt) {
				e.LastAccessedAt = at
			}
			if ttl := doc.Config.TTLFor(e.WorkspaceType); ttl > 0 {
				exp := e.LastAccessedAt.Add(ttl)
				e.ExpiresAt = &exp
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.touches.Purge()
	r.logger.Debug("registry.touches_flushed", "count", len(pending))
	return nil
}
