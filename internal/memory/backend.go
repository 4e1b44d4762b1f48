package memory

import (
	"context"
	"sync"
)

// Backend persists working-memory entries per namespace. Implementations
// live in the storage package.
type Backend interface {
	// Save upserts entries.
	Save(ctx context.Context, namespace string, entries []Entry) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, namespace string, keys []string) error

	// LoadAll returns every entry stored for namespace.
	LoadAll(ctx context.Context, namespace string) ([]Entry, error)
}

// MapBackend is an in-process Backend, used in tests and as the default when
// no persistent store is configured.
type MapBackend struct {
	mu   sync.Mutex
	data map[string]map[string]Entry
}

// NewMapBackend creates an empty MapBackend.
func NewMapBackend() *MapBackend {
	return &MapBackend{data: make(map[string]map[string]Entry)}
}

// Save implements Backend.
func (b *MapBackend) Save(_ context.Context, namespace string, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.data[namespace]
	if !ok {
		ns = make(map[string]Entry)
		b.data[namespace] = ns
	}
	for _, e := range entries {
		ns[e.Key] = *e.clone()
	}
	return nil
}

// Delete implements Backend.
func (b *MapBackend) Delete(_ context.Context, namespace string, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.data[namespace], k)
	}
	return nil
}

// LoadAll implements Backend.
func (b *MapBackend) LoadAll(_ context.Context, namespace string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0, len(b.data[namespace]))
	for _, e := range b.data[namespace] {
		out = append(out, *e.clone())
	}
	return out, nil
}
