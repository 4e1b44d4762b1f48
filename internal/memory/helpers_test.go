package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stepClock advances one second on every call so access order is strict.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestMemory(t *testing.T, cfg Config) *WorkingMemory {
	t.Helper()
	return New(Options{
		Config:    cfg,
		Namespace: "test",
		Logger:    zerolog.Nop(),
		Now:       newStepClock().Now,
	})
}

// failingBackend fails every write until healed.
type failingBackend struct {
	*MapBackend
	mu     sync.Mutex
	broken bool
}

func (b *failingBackend) setBroken(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = v
}

func (b *failingBackend) Save(ctx context.Context, ns string, entries []Entry) error {
	b.mu.Lock()
	broken := b.broken
	b.mu.Unlock()
	if broken {
		return errors.New("disk full")
	}
	return b.MapBackend.Save(ctx, ns, entries)
}

// gatedBackend blocks the first Save until release is closed.
type gatedBackend struct {
	*MapBackend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		MapBackend: NewMapBackend(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (b *gatedBackend) Save(ctx context.Context, ns string, entries []Entry) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	return b.MapBackend.Save(ctx, ns, entries)
}
