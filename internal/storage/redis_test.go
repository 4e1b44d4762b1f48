package storage

import (
	"context"
	"fmt"
	"testing"

	"ctxbudget/internal/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedisBackend(context.Background(), RedisOptions{URL: fmt.Sprintf("redis://%s", mr.Addr())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	b, mr := setupRedis(t)
	ctx := context.Background()

	want := sampleEntries()
	require.NoError(t, b.Save(ctx, "ns1", want))
	assert.True(t, mr.Exists("ctxbudget:memory:ns1"))

	got, err := b.LoadAll(ctx, "ns1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	byKey := map[string]memory.Entry{got[0].Key: got[0], got[1].Key: got[1]}
	assert.Equal(t, want[0], byKey["plan"])
	assert.Equal(t, want[1], byKey["raw.tool_result:grep:c1"])
}

func TestRedisBackend_DeleteAndNamespaces(t *testing.T) {
	b, _ := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "a", sampleEntries()))
	require.NoError(t, b.Save(ctx, "b", sampleEntries()[:1]))
	require.NoError(t, b.Delete(ctx, "a", []string{"plan"}))

	got, err := b.LoadAll(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "raw.tool_result:grep:c1", got[0].Key)

	ns, err := b.Namespaces(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ns)

	n, err := b.DeleteNamespace(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ns, err = b.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ns)
}

func TestRedisBackend_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisBackend(context.Background(), RedisOptions{URL: "redis://" + addr})
	assert.Error(t, err)
}

func TestRedisBackend_WorkingMemory(t *testing.T) {
	b, _ := setupRedis(t)
	ctx := context.Background()

	wm := memory.New(memory.Options{Namespace: "shared", Backend: b, Logger: zerolog.Nop()})
	_, err := wm.Store("note", "a note", "hello", memory.StoreOptions{})
	require.NoError(t, err)
	require.NoError(t, wm.Destroy(ctx))

	reloaded := memory.New(memory.Options{Namespace: "shared", Backend: b, Logger: zerolog.Nop()})
	require.NoError(t, reloaded.Load(ctx))
	raw, ok := reloaded.Retrieve("note")
	require.True(t, ok)
	assert.Equal(t, `"hello"`, string(raw))
}
