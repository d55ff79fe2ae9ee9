package prune

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingPruner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	err    error
}

func (p *countingPruner) PruneSeenEvents(_ context.Context, maxAge time.Duration) (int64, error) {
	p.calls.Add(1)
	p.maxAge.Store(int64(maxAge))
	return 3, p.err
}

func TestJob_RunOnce(t *testing.T) {
	p := &countingPruner{}
	j, err := New(p, "@every 1h", 0, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, int64(3), j.RunOnce(context.Background()))
	assert.Equal(t, int64(7*24*time.Hour), p.maxAge.Load())

	p.err = errors.New("locked")
	assert.Zero(t, j.RunOnce(context.Background()))
}

func TestJob_InvalidSchedule(t *testing.T) {
	_, err := New(&countingPruner{}, "every hour", time.Hour, zap.NewNop())
	assert.Error(t, err)
}

func TestJob_Scheduled(t *testing.T) {
	p := &countingPruner{}
	j, err := New(p, "@every 1s", time.Hour, zap.NewNop())
	require.NoError(t, err)

	j.Start()
	require.Eventually(t, func() bool { return p.calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.Stop(ctx)
}
