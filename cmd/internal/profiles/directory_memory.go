package profiles

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process Source for dev mode and tests.
type MemoryDirectory struct {
	mu   sync.RWMutex
	byID map[string]Profile
}

// NewMemoryDirectory returns a directory seeded with ps.
func NewMemoryDirectory(ps ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{byID: make(map[string]Profile, len(ps))}
	for _, p := range ps {
		_ = d.Put(p)
	}
	return d
}

// Put inserts or replaces a profile.
func (d *MemoryDirectory) Put(p Profile) error {
	p, err := normalize(p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.byID[p.UserID] = p
	d.mu.Unlock()
	return nil
}

// Lookup implements Source.
func (d *MemoryDirectory) Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := dedupe(userIDs)

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]Profile, len(ids))
	for _, id := range ids {
		if p, ok := d.byID[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
