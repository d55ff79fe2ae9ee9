package invite

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/metrics"
	"github.com/hellerschmid/spacebot/internal/repo"
)

// Task asks for userID to be invited to every target room of spaceID.
type Task struct {
	UserID  string
	SpaceID string
	// Source ends up in the audit trail, e.g. "join-event" or "reconcile:startup".
	Source string
}

type taskKey struct{ user, space string }

func (t Task) key() taskKey { return taskKey{t.UserID, t.SpaceID} }

type Options struct {
	// BotUserID is never enqueued.
	BotUserID string
	// AcceptanceTimeout bounds the wait for an invitee to join; zero waits forever
	// and blocks the whole queue behind that invitee.
	AcceptanceTimeout time.Duration
}

// Orchestrator owns the invite queue. A single worker goroutine drains it,
// one task at a time. A (user, space) pair is at most in one of queued or
// processing; enqueueing it again meanwhile is a no-op.
type Orchestrator struct {
	tr      Transport
	store   Store
	members *Membership
	joiner  *Joiner
	log     *zap.Logger
	opt     Options

	mu         sync.Mutex
	queue      []Task
	queued     map[taskKey]struct{}
	processing map[taskKey]struct{}
	wake       chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(tr Transport, store Store, members *Membership, joiner *Joiner, log *zap.Logger, opt Options) *Orchestrator {
	return &Orchestrator{
		tr:         tr,
		store:      store,
		members:    members,
		joiner:     joiner,
		log:        log.Named("queue"),
		opt:        opt,
		queued:     make(map[taskKey]struct{}),
		processing: make(map[taskKey]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue adds t to the tail of the queue and reports whether it was added.
// It never blocks.
func (o *Orchestrator) Enqueue(t Task) bool {
	if t.UserID == "" || t.SpaceID == "" || t.UserID == o.opt.BotUserID {
		return false
	}
	k := t.key()

	o.mu.Lock()
	if _, ok := o.queued[k]; ok {
		o.mu.Unlock()
		metrics.EnqueueDeduped.Inc()
		return false
	}
	if _, ok := o.processing[k]; ok {
		o.mu.Unlock()
		metrics.EnqueueDeduped.Inc()
		return false
	}
	o.queue = append(o.queue, t)
	o.queued[k] = struct{}{}
	pending := len(o.queue)
	o.mu.Unlock()

	metrics.Enqueued.Inc()
	metrics.QueueDepth.Set(float64(pending))
	o.log.Info("queued",
		zap.String("user", t.UserID), zap.String("space", t.SpaceID),
		zap.String("source", t.Source), zap.Int("pending", pending))

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending is the number of queued tasks, excluding the one in progress.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.processing)
}

// Outstanding reports whether (user, space) is queued or being processed.
func (o *Orchestrator) Outstanding(userID, spaceID string) bool {
	k := taskKey{userID, spaceID}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, q := o.queued[k]
	_, p := o.processing[k]
	return q || p
}

// Start launches the worker. Stop cancels it and waits for it to return.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		o.run(ctx)
	}()
	o.log.Info("worker started")
}

// Stop interrupts sleeps and acceptance waits; a transport call that is
// already running completes first.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.log.Info("worker stopped")
}

func (o *Orchestrator) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
			}
			continue
		}
		o.process(ctx, t)
		o.finish(t)
	}
}

// next moves the queue head from queued to processing in one step.
func (o *Orchestrator) next() (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return Task{}, false
	}
	t := o.queue[0]
	o.queue[0] = Task{}
	o.queue = o.queue[1:]
	k := t.key()
	delete(o.queued, k)
	o.processing[k] = struct{}{}

	metrics.QueueDepth.Set(float64(len(o.queue)))
	metrics.Processing.Set(1)
	return t, true
}

func (o *Orchestrator) finish(t Task) {
	o.mu.Lock()
	delete(o.processing, t.key())
	o.mu.Unlock()
	metrics.Processing.Set(0)
}

func (o *Orchestrator) process(runCtx context.Context, t Task) {
	// store and transport calls are allowed to finish during shutdown
	ctx := context.WithoutCancel(runCtx)
	log := o.log.With(zap.String("user", t.UserID), zap.String("space", t.SpaceID))

	targets, err := o.store.TargetRooms(ctx, t.SpaceID)
	if err != nil {
		log.Error("load target rooms failed", zap.Error(err))
		return
	}
	if len(targets) == 0 {
		log.Info("no target rooms for space, dropping task")
		return
	}
	log.Info("processing", zap.Int("targets", len(targets)))

	for _, room := range targets {
		if runCtx.Err() != nil {
			log.Info("stopping mid-task on shutdown")
			return
		}
		if !o.joiner.EnsureJoined(ctx, room) {
			log.Warn("bot not joined to target, stopping", zap.String("room", room))
			return
		}

		blocked, err := o.store.IsUserBlocked(ctx, t.UserID, room)
		if err != nil {
			log.Warn("blocklist lookup failed, skipping room", zap.String("room", room), zap.Error(err))
			o.record(ctx, t, room, repo.ResultSkipped, "blocklist lookup failed")
			continue
		}
		if blocked {
			log.Info("user blocked, skipping", zap.String("room", room))
			o.record(ctx, t, room, repo.ResultSkipped, "user is blocked")
			continue
		}

		if o.members.IsJoined(ctx, t.UserID, room) {
			log.Info("already joined, skipping", zap.String("room", room))
			o.record(ctx, t, room, repo.ResultAlreadyJoined, "")
			continue
		}

		if err := o.invite(runCtx, ctx, t, room); err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			log.Warn("invite failed, stopping", zap.String("room", room), zap.Error(err))
			o.record(ctx, t, room, repo.ResultFailed, err.Error())
			return
		}
		log.Info("invited", zap.String("room", room))
		o.record(ctx, t, room, repo.ResultInvited, "")

		if err := o.members.AwaitJoin(runCtx, t.UserID, room, o.opt.AcceptanceTimeout); err != nil {
			if errors.Is(err, ErrAcceptanceTimeout) {
				metrics.AcceptanceTimeouts.Inc()
				log.Info("invite not accepted in time, stopping until next reconcile",
					zap.String("room", room), zap.Duration("timeout", o.opt.AcceptanceTimeout))
			}
			return
		}
	}
	log.Info("done")
}

// invite retries rate-limited invites after the server's hint, without limit.
// Any other error is returned as is.
func (o *Orchestrator) invite(runCtx, ctx context.Context, t Task, room string) error {
	for attempt := 1; ; attempt++ {
		err := o.tr.Invite(ctx, room, t.UserID)
		if err == nil {
			return nil
		}
		wait, limited := retryAfter(err)
		if !limited {
			return err
		}
		metrics.RateLimitRetries.Inc()
		o.log.Info("invite rate-limited",
			zap.String("user", t.UserID), zap.String("room", room),
			zap.Int("attempt", attempt), zap.Duration("retry_after", wait))

		timer := time.NewTimer(wait)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return ErrStopped
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, t Task, room, result, detail string) {
	metrics.InviteOutcomes.WithLabelValues(result).Inc()
	err := o.store.RecordInvite(ctx, repo.InviteRecord{
		UserID:      t.UserID,
		RoomID:      room,
		Source:      t.Source,
		Result:      result,
		ErrorDetail: detail,
	})
	if err != nil {
		o.log.Error("record invite failed", zap.String("user", t.UserID), zap.String("room", room), zap.Error(err))
	}
}
