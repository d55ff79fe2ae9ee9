// Package prune deletes old seen-event ids on a cron schedule.
package prune

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/metrics"
)

type Pruner interface {
	PruneSeenEvents(ctx context.Context, maxAge time.Duration) (int64, error)
}

type Job struct {
	store  Pruner
	maxAge time.Duration
	cron   *cron.Cron
	log    *zap.Logger
}

// New registers the job on schedule ("@every 1h", "0 3 * * *", ...).
func New(store Pruner, schedule string, maxAge time.Duration, log *zap.Logger) (*Job, error) {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	j := &Job{
		store:  store,
		maxAge: maxAge,
		cron:   cron.New(),
		log:    log.Named("prune"),
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Job) Start() {
	j.cron.Start()
	j.log.Info("seen-event prune scheduled", zap.Duration("max_age", j.maxAge))
}

// Stop waits for a running prune to finish or ctx to expire.
func (j *Job) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		j.log.Warn("prune stop timeout")
	}
}

func (j *Job) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := j.store.PruneSeenEvents(ctx, j.maxAge)
	if err != nil {
		j.log.Error("prune seen events failed", zap.Error(err))
		return 0
	}
	metrics.SeenPruned.Add(float64(n))
	if n > 0 {
		j.log.Info("pruned seen events", zap.Int64("deleted", n))
	}
	return n
}
