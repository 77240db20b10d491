package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, defaultTTL int) *memoryStore {
	t.Helper()
	s := newMemoryStore(defaultTTL, 20*time.Millisecond)
	t.Cleanup(s.Stop)
	return s
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 1)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), Options{TTL: TTL(0)}))

	// Outlive several sweep cycles.
	time.Sleep(100 * time.Millisecond)

	value, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)
	assert.True(t, s.Has(ctx, "k"))
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), Options{TTL: TTL(1)}))

	_, ok := s.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
	assert.False(t, s.Has(ctx, "k"))
}

func TestMemoryDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 1)

	// TTL omitted: the service default (1s) applies.
	require.NoError(t, s.Set(ctx, "k", []byte("v"), Options{}))

	_, ok := s.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	_, ok = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLazyExpiryBeforeSweep(t *testing.T) {
	ctx := context.Background()
	// Sweep far in the future: expiry must still be invisible to reads.
	s := newMemoryStore(0, time.Hour)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), Options{TTL: TTL(1)}))
	time.Sleep(1100 * time.Millisecond)

	assert.False(t, s.Has(ctx, "k"))
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryNamespaceClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.Set(ctx, "ns1:a", []byte("1"), Options{Namespace: "ns1"}))
	require.NoError(t, s.Set(ctx, "ns1:b", []byte("2"), Options{Namespace: "ns1"}))
	require.NoError(t, s.Set(ctx, "ns2:c", []byte("3"), Options{Namespace: "ns2"}))

	require.NoError(t, s.Clear(ctx, "ns1"))

	assert.False(t, s.Has(ctx, "ns1:a"))
	assert.False(t, s.Has(ctx, "ns1:b"))
	assert.True(t, s.Has(ctx, "ns2:c"))
}

func TestMemoryClearAll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.Set(ctx, "ns1:a", []byte("1"), Options{Namespace: "ns1"}))
	require.NoError(t, s.Set(ctx, "plain", []byte("2"), Options{}))

	require.NoError(t, s.Clear(ctx, ""))

	assert.False(t, s.Has(ctx, "ns1:a"))
	assert.False(t, s.Has(ctx, "plain"))
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), Options{}))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.False(t, s.Has(ctx, "k"))
}

func TestNewFallsBackWithoutRemoteConfig(t *testing.T) {
	s := New(Config{Provider: ProviderRemote, DefaultTTL: 60})
	t.Cleanup(s.Stop)

	_, ok := s.(*memoryStore)
	assert.True(t, ok, "remote provider without connection parameters should fall back to the in-process backend")
}

func TestNewSelectsMemoryByDefault(t *testing.T) {
	s := New(Config{DefaultTTL: 60})
	t.Cleanup(s.Stop)

	_, ok := s.(*memoryStore)
	assert.True(t, ok)
}
