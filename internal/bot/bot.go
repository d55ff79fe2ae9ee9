// Package bot runs the startup sequence and the sync loop that feeds
// homeserver events into the invite engine.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/invite"
	"github.com/hellerschmid/spacebot/internal/matrix"
	"github.com/hellerschmid/spacebot/internal/metrics"
	"github.com/hellerschmid/spacebot/internal/repo"
)

type Client interface {
	LoginWithRetry(ctx context.Context, password string, maxRetries int) error
	Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncResponse, error)
	Join(ctx context.Context, roomRef string) (string, error)
	IsSpace(ctx context.Context, roomID string) (bool, error)
}

// StateStore persists the sync position and join refs across restarts.
type StateStore interface {
	NextBatch(ctx context.Context) (string, error)
	SetNextBatch(ctx context.Context, token string) error
	GetState(ctx context.Context, key string) (string, bool, error)
	ConfiguredRoomIDs(ctx context.Context) ([]string, error)
}

type Options struct {
	BotUserID       string
	Password        string
	MaxLoginRetries int
	SyncTimeout     time.Duration
	// ReconcileEvery runs a reconciliation every N sync cycles; 0 only
	// reconciles once after the first sync.
	ReconcileEvery int
	// RetryDelay is the pause after a failed sync.
	RetryDelay time.Duration
}

type Bot struct {
	cli   Client
	state StateStore
	eng   *invite.Engine
	opt   Options
	log   *zap.Logger

	since  string
	cycles atomic.Int64
}

func New(cli Client, state StateStore, eng *invite.Engine, log *zap.Logger, opt Options) *Bot {
	if opt.SyncTimeout <= 0 {
		opt.SyncTimeout = 30 * time.Second
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = 3 * time.Second
	}
	b := &Bot{cli: cli, state: state, eng: eng, opt: opt, log: log.Named("bot")}
	eng.SetHandlers(b.onBotInvite, nil)
	return b
}

// SetCommandHandler routes prefixed messages to h.
func (b *Bot) SetCommandHandler(h invite.Handler) {
	b.eng.SetHandlers(b.onBotInvite, h)
}

func (b *Bot) SyncCycles() int64 { return b.cycles.Load() }

// Run logs in, prepares the engine and syncs until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.Startup(ctx); err != nil {
		return err
	}
	defer b.eng.Stop()

	for ctx.Err() == nil {
		if err := b.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			metrics.SyncFail.Inc()
			b.log.Warn("sync failed, retrying", zap.Duration("in", b.opt.RetryDelay), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.opt.RetryDelay):
			}
		}
	}
	b.log.Info("sync loop stopped", zap.Int64("cycles", b.cycles.Load()))
	return nil
}

// Startup logs in, loads rules, joins configured rooms and starts the
// invite queue.
func (b *Bot) Startup(ctx context.Context) error {
	if err := b.cli.LoginWithRetry(ctx, b.opt.Password, b.opt.MaxLoginRetries); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	b.log.Info("logged in", zap.String("user", b.opt.BotUserID))

	if err := b.eng.Rooms.Refresh(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	b.restoreRefs(ctx)
	b.eng.EnsureJoinedConfigured(ctx, "startup")

	token, err := b.state.NextBatch(ctx)
	if err != nil {
		b.log.Warn("load sync token failed, starting fresh", zap.Error(err))
	}
	b.since = token

	b.eng.Start(ctx)
	b.log.Info("startup complete", zap.Strings("spaces", b.eng.Rooms.Spaces()), zap.Int("targets", len(b.eng.Rooms.Targets())), zap.Bool("resumed", token != ""))
	return nil
}

func (b *Bot) restoreRefs(ctx context.Context) {
	ids, err := b.state.ConfiguredRoomIDs(ctx)
	if err != nil {
		b.log.Warn("load configured rooms failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		ref, ok, err := b.state.GetState(ctx, repo.JoinRefKey(id))
		if err != nil {
			b.log.Warn("load join ref failed", zap.String("room", id), zap.Error(err))
			continue
		}
		if ok {
			b.eng.Joiner.SetRef(id, ref)
		}
	}
}

// SyncOnce runs one sync cycle: route the events, persist the token and
// trigger reconciliation when due.
func (b *Bot) SyncOnce(ctx context.Context) error {
	resp, err := b.cli.Sync(ctx, b.since, b.opt.SyncTimeout)
	if err != nil {
		return err
	}

	for _, me := range resp.Events {
		ev, ok := toEvent(me, b.opt.BotUserID)
		if !ok {
			continue
		}
		act := b.eng.Router.Handle(ctx, ev)
		if act != invite.ActionIgnored {
			b.log.Debug("event", zap.String("id", ev.ID), zap.String("room", ev.RoomID), zap.Stringer("action", act))
		}
	}

	if resp.NextBatch != "" && resp.NextBatch != b.since {
		b.since = resp.NextBatch
		if err := b.state.SetNextBatch(ctx, resp.NextBatch); err != nil {
			b.log.Warn("persist sync token failed", zap.Error(err))
		}
	}

	n := b.cycles.Add(1)
	metrics.SyncCycles.Inc()
	switch {
	case n == 1:
		b.eng.Reconciler.Run(ctx, "startup")
	case b.opt.ReconcileEvery > 0 && n%int64(b.opt.ReconcileEvery) == 0:
		b.eng.Reconciler.Run(ctx, fmt.Sprintf("periodic-%d", n))
	}
	return nil
}

// onBotInvite accepts every invite. Joining a space that already has rules
// is followed by a join pass over its configured rooms.
func (b *Bot) onBotInvite(ctx context.Context, ev invite.Event) {
	roomID, err := b.cli.Join(ctx, ev.RoomID)
	if err != nil {
		metrics.JoinFailures.Inc()
		b.log.Warn("accept invite failed", zap.String("room", ev.RoomID), zap.String("by", ev.Sender), zap.Error(err))
		return
	}
	b.log.Info("accepted invite", zap.String("room", roomID), zap.String("by", ev.Sender))

	space, err := b.cli.IsSpace(ctx, roomID)
	if err != nil {
		b.log.Debug("room type lookup failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	if space {
		b.eng.EnsureJoinedConfigured(ctx, "space-invite")
	}
}

// toEvent reduces a sync event to what the router classifies. Only plain
// text messages can carry commands.
func toEvent(me matrix.Event, botID string) (invite.Event, bool) {
	ev := invite.Event{
		ID:        me.ID,
		RoomID:    me.RoomID,
		Sender:    me.Sender,
		Timestamp: me.Timestamp,
	}
	switch me.Type {
	case matrix.EventMember:
		ev.Subject = me.StateKey
		ev.Membership = me.Membership
		ev.Kind = invite.KindMember
		if me.Invite {
			if me.StateKey != botID || me.Membership != matrix.MembershipInvite {
				return ev, false
			}
			ev.Kind = invite.KindBotInvite
		}
	case matrix.EventMessage:
		if me.MsgType != "m.text" {
			return ev, false
		}
		ev.Kind = invite.KindMessage
		ev.Body = strings.TrimSpace(me.Body)
	default:
		return ev, false
	}
	return ev, true
}
