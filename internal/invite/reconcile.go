package invite

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/metrics"
)

// Reconciler re-derives queue entries from live space membership. It is
// the only recovery path for tasks lost with the in-memory queue.
type Reconciler struct {
	rules   RuleStore
	members *Membership
	joiner  *Joiner
	queue   *Orchestrator
	botID   string
	log     *zap.Logger
}

func NewReconciler(rules RuleStore, members *Membership, joiner *Joiner, queue *Orchestrator, botID string, log *zap.Logger) *Reconciler {
	return &Reconciler{
		rules:   rules,
		members: members,
		joiner:  joiner,
		queue:   queue,
		botID:   botID,
		log:     log.Named("reconcile"),
	}
}

// Run enqueues every current space member that has no outstanding task
// and returns how many tasks were added.
func (r *Reconciler) Run(ctx context.Context, source string) int {
	metrics.ReconcileRuns.Inc()
	spaces, err := r.rules.SpaceIDs(ctx)
	if err != nil {
		r.log.Error("load spaces failed", zap.String("source", source), zap.Error(err))
		return 0
	}
	if len(spaces) == 0 {
		r.log.Info("no autoinvite rules configured, skipping", zap.String("source", source))
		return 0
	}

	total := 0
	for _, space := range spaces {
		if !r.joiner.EnsureJoined(ctx, space) {
			r.log.Warn("skipped space, bot not joined", zap.String("source", source), zap.String("space", space))
			continue
		}
		users, err := r.members.Fetch(ctx, space)
		if err != nil {
			r.log.Warn("skipped space, member fetch failed", zap.String("source", source), zap.String("space", space), zap.Error(err))
			continue
		}
		users = append([]string(nil), users...)
		sort.Strings(users)

		queued := 0
		for _, u := range users {
			if u == r.botID {
				continue
			}
			if r.queue.Enqueue(Task{UserID: u, SpaceID: space, Source: "reconcile:" + source}) {
				queued++
			}
		}
		total += queued
		r.log.Info("space reconciled", zap.String("source", source), zap.String("space", space),
			zap.Int("members", len(users)), zap.Int("queued", queued))
	}
	return total
}
