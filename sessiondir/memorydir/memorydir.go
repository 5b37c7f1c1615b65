// Package memorydir provides an in-memory sessiondir.Directory.
package memorydir

import (
	"context"
	"sync"

	"github.com/ggoodman/clusterclient-go/sessiondir"
)

// Directory is an in-memory sessiondir.Directory.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]sessiondir.Entry
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{entries: make(map[string]sessiondir.Entry)}
}

var _ sessiondir.Directory = (*Directory)(nil)

func (d *Directory) Publish(ctx context.Context, e sessiondir.Entry) error {
	d.mu.Lock()
	d.entries[e.ID] = e
	d.mu.Unlock()
	return nil
}

func (d *Directory) Withdraw(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
	return nil
}

func (d *Directory) List(ctx context.Context) ([]sessiondir.Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]sessiondir.Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out, nil
}

func (d *Directory) Close() error {
	d.mu.Lock()
	clear(d.entries)
	d.mu.Unlock()
	return nil
}
