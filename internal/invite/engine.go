package invite

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/breaker"
)

type EngineOptions struct {
	BotUserID         string
	CommandPrefix     string
	AcceptanceTimeout time.Duration
	StartedAt         time.Time
	// Breaker guards membership fetches; nil disables it.
	Breaker *breaker.Breaker
}

// Engine wires the core components around one transport and one store.
type Engine struct {
	Rooms      *Rooms
	Members    *Membership
	Joiner     *Joiner
	Queue      *Orchestrator
	Reconciler *Reconciler
	Router     *Router

	store Store
	log   *zap.Logger
}

func NewEngine(tr Transport, store Store, seen SeenStore, log *zap.Logger, opt EngineOptions) *Engine {
	members := NewMembership(tr, opt.Breaker, log)
	joiner := NewJoiner(tr, log)
	rooms := NewRooms(store, members, log)
	queue := NewOrchestrator(tr, store, members, joiner, log, Options{
		BotUserID:         opt.BotUserID,
		AcceptanceTimeout: opt.AcceptanceTimeout,
	})
	return &Engine{
		Rooms:      rooms,
		Members:    members,
		Joiner:     joiner,
		Queue:      queue,
		Reconciler: NewReconciler(store, members, joiner, queue, opt.BotUserID, log),
		Router: NewRouter(seen, store, rooms, members, queue, log, RouterOptions{
			BotUserID:     opt.BotUserID,
			CommandPrefix: opt.CommandPrefix,
			StartedAt:     opt.StartedAt,
		}),
		store: store,
		log:   log,
	}
}

// SetHandlers installs the callbacks for bot invites and commands. It must
// be called before events are routed.
func (e *Engine) SetHandlers(onBotInvite, onCommand Handler) {
	e.Router.opt.OnBotInvite = onBotInvite
	e.Router.opt.OnCommand = onCommand
}

// EnsureJoinedConfigured runs one join pass over every space and target room.
func (e *Engine) EnsureJoinedConfigured(ctx context.Context, source string) int {
	ids, err := e.store.ConfiguredRoomIDs(ctx)
	if err != nil {
		e.log.Error("load configured rooms failed", zap.String("source", source), zap.Error(err))
		return 0
	}
	return e.Joiner.EnsureJoinedAll(ctx, ids, source)
}

func (e *Engine) Start(ctx context.Context) { e.Queue.Start(ctx) }

func (e *Engine) Stop() { e.Queue.Stop() }
