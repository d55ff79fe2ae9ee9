package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/breaker"
)

func TestMembership_LazyFetchThenCache(t *testing.T) {
	tr := newFakeTransport()
	tr.members["!a:x"] = []string{"@u:x"}
	m := NewMembership(tr, nil, zap.NewNop())
	m.Track([]string{"!a:x"})
	ctx := context.Background()

	assert.True(t, m.IsJoined(ctx, "@u:x", "!a:x"))
	assert.False(t, m.IsJoined(ctx, "@v:x", "!a:x"))
	assert.Equal(t, 1, tr.fetches["!a:x"], "loaded rooms answer from memory")

	m.ObserveJoin("@v:x", "!a:x")
	assert.True(t, m.IsJoined(ctx, "@v:x", "!a:x"))
	m.ObserveLeave("@u:x", "!a:x")
	assert.False(t, m.IsJoined(ctx, "@u:x", "!a:x"))
	assert.Equal(t, 1, tr.fetches["!a:x"])
}

func TestMembership_FetchFailureIsNotJoined(t *testing.T) {
	tr := newFakeTransport()
	tr.membersErr["!a:x"] = errors.New("boom")
	m := NewMembership(tr, nil, zap.NewNop())
	m.Track([]string{"!a:x"})

	assert.False(t, m.IsJoined(context.Background(), "@u:x", "!a:x"))
	_, loaded := m.Members("!a:x")
	assert.False(t, loaded)
}

func TestMembership_BreakerSuppressesFetches(t *testing.T) {
	tr := newFakeTransport()
	tr.membersErr["!a:x"] = errors.New("boom")
	m := NewMembership(tr, breaker.New(breaker.Options{Threshold: 2, OpenFor: time.Minute}), zap.NewNop())
	m.Track([]string{"!a:x"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.False(t, m.IsJoined(ctx, "@u:x", "!a:x"))
	}
	assert.Equal(t, 2, tr.fetches["!a:x"])

	_, err := m.Fetch(ctx, "!a:x")
	assert.ErrorContains(t, err, "membership fetch suppressed for !a:x")
}

func TestMembership_LiveUpdatesOnlyForTrackedRooms(t *testing.T) {
	tr := newFakeTransport()
	m := NewMembership(tr, nil, zap.NewNop())
	m.Track([]string{"!a:x"})

	m.ObserveJoin("@u:x", "!other:x")
	_, ok := m.Members("!other:x")
	assert.False(t, ok)

	m.ObserveJoin("@u:x", "!a:x")
	users, _ := m.Members("!a:x")
	assert.Equal(t, []string{"@u:x"}, users)

	m.Track([]string{"!a:x", "!b:x"})
	users, _ = m.Members("!a:x")
	assert.Equal(t, []string{"@u:x"}, users, "retracking keeps existing state")
}

func TestAwaitJoin_SignalBeforeWait(t *testing.T) {
	m := NewMembership(newFakeTransport(), nil, zap.NewNop())
	m.Track([]string{"!a:x"})
	m.ObserveJoin("@u:x", "!a:x")

	err := m.AwaitJoin(context.Background(), "@u:x", "!a:x", time.Millisecond)
	assert.NoError(t, err)
	assert.Zero(t, m.Waiting())
}

func TestAwaitJoin_SignalAfterWait(t *testing.T) {
	m := NewMembership(newFakeTransport(), nil, zap.NewNop())
	m.Track([]string{"!a:x"})

	errc := make(chan error, 1)
	go func() { errc <- m.AwaitJoin(context.Background(), "@u:x", "!a:x", 0) }()
	require.Eventually(t, func() bool { return m.Waiting() == 1 }, time.Second, time.Millisecond)

	m.ObserveJoin("@u:x", "!a:x")
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not signalled")
	}
	assert.Zero(t, m.Waiting())
}

func TestAwaitJoin_Timeout(t *testing.T) {
	m := NewMembership(newFakeTransport(), nil, zap.NewNop())
	m.Track([]string{"!a:x"})

	err := m.AwaitJoin(context.Background(), "@u:x", "!a:x", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcceptanceTimeout)
	assert.Zero(t, m.Waiting())
}

func TestAwaitJoin_Cancelled(t *testing.T) {
	m := NewMembership(newFakeTransport(), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.AwaitJoin(ctx, "@u:x", "!a:x", 0)
	assert.ErrorIs(t, err, ErrStopped)
}
