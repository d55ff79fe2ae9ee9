package seen

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellerschmid/spacebot/internal/repo"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_MarkAndCheck(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	seen, err := s.IsEventSeen(ctx, "$a")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkEventSeen(ctx, repo.SeenEvent{EventID: "$a", Type: "member", RoomID: "!r:x"}))
	seen, err = s.IsEventSeen(ctx, "$a")
	require.NoError(t, err)
	assert.True(t, seen)

	v, err := mr.Get(key("$a"))
	require.NoError(t, err)
	assert.Equal(t, "member !r:x", v)
	assert.Equal(t, time.Hour, mr.TTL(key("$a")))
}

func TestRedisStore_Expires(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.MarkEventSeen(ctx, repo.SeenEvent{EventID: "$a", Type: "member", RoomID: "!r:x"}))
	mr.FastForward(2 * time.Hour)

	seen, err := s.IsEventSeen(ctx, "$a")
	require.NoError(t, err)
	assert.False(t, seen)

	n, err := s.PruneSeenEvents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_EmptyID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.IsEventSeen(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidEventID)
	assert.ErrorIs(t, s.MarkEventSeen(context.Background(), repo.SeenEvent{}), ErrInvalidEventID)
}
