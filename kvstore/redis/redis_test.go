package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recepta-ai/recepta/kvstore"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	first, err := s.SetNX(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, second)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Set(ctx, "bounded", "v", time.Minute))
	d, err := s.TTL(ctx, "bounded")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	// No expiry reports zero.
	require.NoError(t, s.Set(ctx, "unbounded", "v", 0))
	d, err = s.TTL(ctx, "unbounded")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = s.TTL(ctx, "missing")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	mr.FastForward(61 * time.Second)

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	n, err := s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// TTL was applied on creation.
	assert.Equal(t, time.Minute, mr.TTL("c"))
}

func TestListOps(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.RPush(ctx, "l", "a", time.Minute))
	require.NoError(t, s.RPush(ctx, "l", "b", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("l"))

	vals, err := s.LRange(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vals)

	vals, err = s.LPopAll(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vals)
	_, err = s.LPopAll(ctx, "l")
	assert.ErrorIs(t, err, kvstore.ErrNotFound)

	// Missing key reads as empty, not as an error.
	vals, err = s.LRange(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestListExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.RPush(ctx, "l", "a", time.Minute))
	mr.FastForward(61 * time.Second)

	vals, err := s.LRange(ctx, "l")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
	_, err = s.SetNX(ctx, "k", "v", time.Minute)
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
	assert.ErrorIs(t, s.Set(ctx, "k", "v", time.Minute), kvstore.ErrUnavailable)
	_, err = s.Incr(ctx, "c", time.Minute)
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
	assert.ErrorIs(t, s.RPush(ctx, "l", "a", time.Minute), kvstore.ErrUnavailable)
	_, err = s.LPopAll(ctx, "l")
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
}
