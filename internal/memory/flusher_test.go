package memory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlusher_InvalidSchedule(t *testing.T) {
	_, err := NewFlusher("every now and then", zerolog.Nop())
	assert.Error(t, err)
}

func TestFlusher_FlushAll(t *testing.T) {
	ctx := context.Background()
	backend := NewMapBackend()
	f, err := NewFlusher("@every 1h", zerolog.Nop())
	require.NoError(t, err)

	a := New(Options{Namespace: "a", Backend: backend})
	b := New(Options{Namespace: "b", Backend: backend})
	f.Add(a)
	f.Add(b)

	_, _ = a.Store("k", "", 1, StoreOptions{})
	_, _ = b.Store("k", "", 2, StoreOptions{})
	assert.Equal(t, 0, f.FlushAll(ctx))

	for _, ns := range []string{"a", "b"} {
		loaded, err := backend.LoadAll(ctx, ns)
		require.NoError(t, err)
		assert.Len(t, loaded, 1, ns)
	}

	require.NoError(t, a.Destroy(ctx))
	assert.Equal(t, 0, f.FlushAll(ctx), "destroyed stores are skipped")
	f.Remove("b")
	assert.Equal(t, 0, f.FlushAll(ctx))
}

func TestFlusher_ReportsFailures(t *testing.T) {
	backend := &failingBackend{MapBackend: NewMapBackend(), broken: true}
	f, err := NewFlusher("", zerolog.Nop())
	require.NoError(t, err)

	m := New(Options{Namespace: "ns", Backend: backend})
	f.Add(m)
	_, _ = m.Store("k", "", 1, StoreOptions{})
	assert.Equal(t, 1, f.FlushAll(context.Background()))
}

func TestFlusher_StopFlushesPending(t *testing.T) {
	backend := NewMapBackend()
	f, err := NewFlusher("@every 1h", zerolog.Nop())
	require.NoError(t, err)

	m := New(Options{Namespace: "ns", Backend: backend})
	f.Add(m)
	require.NoError(t, f.Start())
	require.NoError(t, f.Start(), "start is idempotent")

	_, _ = m.Store("k", "", 1, StoreOptions{})
	f.Stop()
	f.Stop()

	loaded, err := backend.LoadAll(context.Background(), "ns")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
