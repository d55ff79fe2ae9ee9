package invite

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/metrics"
	"github.com/hellerschmid/spacebot/internal/repo"
)

type EventKind int

const (
	KindMember EventKind = iota + 1
	KindMessage
	// KindBotInvite is an invite addressed to the bot itself.
	KindBotInvite
)

const (
	MembershipJoin  = "join"
	MembershipLeave = "leave"
	MembershipBan   = "ban"
)

// Event is a transport event reduced to what classification needs.
type Event struct {
	ID     string
	Kind   EventKind
	RoomID string
	Sender string
	// Subject is the user whose membership changed.
	Subject    string
	Membership string
	Body       string
	// Timestamp is the server timestamp in milliseconds, 0 when unknown.
	Timestamp int64
}

func (e Event) seenType() string {
	switch e.Kind {
	case KindMessage:
		return "message"
	case KindBotInvite:
		return "invite"
	default:
		return "member"
	}
}

// Action tells what Handle did with an event.
type Action int

const (
	ActionIgnored Action = iota
	ActionStale
	ActionDuplicate
	ActionJoinObserved
	ActionBlocked
	ActionLeaveObserved
	ActionEnqueued
	ActionBotInvite
	ActionCommand
)

func (a Action) String() string {
	switch a {
	case ActionStale:
		return "stale"
	case ActionDuplicate:
		return "duplicate"
	case ActionJoinObserved:
		return "join-observed"
	case ActionBlocked:
		return "blocked"
	case ActionLeaveObserved:
		return "leave-observed"
	case ActionEnqueued:
		return "enqueued"
	case ActionBotInvite:
		return "bot-invite"
	case ActionCommand:
		return "command"
	default:
		return "ignored"
	}
}

type Handler func(ctx context.Context, ev Event)

type RouterOptions struct {
	BotUserID     string
	CommandPrefix string
	// StartedAt is the session start. Commands sent before it are ignored;
	// membership changes from before it still count.
	StartedAt time.Time
	OnBotInvite Handler
	OnCommand   Handler
}

// Router deduplicates transport events and routes each one at most once.
// It runs on the sync loop and never blocks on the invite queue.
type Router struct {
	seen    SeenStore
	blocks  Blocklist
	rooms   *Rooms
	members *Membership
	queue   *Orchestrator
	opt     RouterOptions
	since   int64
	log     *zap.Logger
}

func NewRouter(seen SeenStore, blocks Blocklist, rooms *Rooms, members *Membership, queue *Orchestrator, log *zap.Logger, opt RouterOptions) *Router {
	return &Router{
		seen:    seen,
		blocks:  blocks,
		rooms:   rooms,
		members: members,
		queue:   queue,
		opt:     opt,
		since:   opt.StartedAt.UnixMilli(),
		log:     log.Named("router"),
	}
}

func (r *Router) Handle(ctx context.Context, ev Event) Action {
	metrics.EventsConsumed.Inc()
	if ev.Kind == KindMessage && ev.Timestamp != 0 && ev.Timestamp < r.since {
		metrics.StaleEvents.Inc()
		return ActionStale
	}
	if !r.relevant(ev) {
		return ActionIgnored
	}
	if ev.ID != "" {
		if r.alreadySeen(ctx, ev) {
			metrics.Duplicates.Inc()
			return ActionDuplicate
		}
	}

	switch ev.Kind {
	case KindBotInvite:
		r.log.Info("invited", zap.String("room", ev.RoomID), zap.String("by", ev.Sender))
		if r.opt.OnBotInvite != nil {
			r.opt.OnBotInvite(ctx, ev)
		}
		return ActionBotInvite
	case KindMessage:
		if r.opt.OnCommand != nil {
			r.opt.OnCommand(ctx, ev)
		}
		return ActionCommand
	}

	act := ActionIgnored
	if r.rooms.IsTarget(ev.RoomID) {
		act = r.targetMembership(ctx, ev)
	}
	if r.rooms.IsSpace(ev.RoomID) && ev.Membership == MembershipJoin && ev.Subject != r.opt.BotUserID {
		if r.queue.Enqueue(Task{UserID: ev.Subject, SpaceID: ev.RoomID, Source: "join-event"}) {
			r.log.Info("space join, queued for invites", zap.String("user", ev.Subject), zap.String("space", ev.RoomID))
			act = ActionEnqueued
		}
	}
	return act
}

func (r *Router) relevant(ev Event) bool {
	switch ev.Kind {
	case KindMember:
		return ev.Subject != "" && (r.rooms.IsTarget(ev.RoomID) || r.rooms.IsSpace(ev.RoomID))
	case KindBotInvite:
		return ev.Subject == r.opt.BotUserID
	case KindMessage:
		return ev.Sender != r.opt.BotUserID && r.opt.CommandPrefix != "" && strings.HasPrefix(ev.Body, r.opt.CommandPrefix)
	}
	return false
}

// alreadySeen checks and then persists the event id. Store errors let the
// event through: reprocessing is safer than dropping.
func (r *Router) alreadySeen(ctx context.Context, ev Event) bool {
	seen, err := r.seen.IsEventSeen(ctx, ev.ID)
	if err != nil {
		metrics.SeenStoreErrors.Inc()
		r.log.Warn("seen lookup failed, processing anyway", zap.String("event", ev.ID), zap.Error(err))
	}
	if seen {
		return true
	}
	sender := ev.Sender
	if ev.Kind == KindMember {
		sender = ev.Subject
	}
	err = r.seen.MarkEventSeen(ctx, repo.SeenEvent{
		EventID:   ev.ID,
		Type:      ev.seenType(),
		RoomID:    ev.RoomID,
		Sender:    sender,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		metrics.SeenStoreErrors.Inc()
		r.log.Warn("mark seen failed", zap.String("event", ev.ID), zap.Error(err))
	}
	return false
}

func (r *Router) targetMembership(ctx context.Context, ev Event) Action {
	switch ev.Membership {
	case MembershipJoin:
		r.members.ObserveJoin(ev.Subject, ev.RoomID)
		return ActionJoinObserved
	case MembershipLeave, MembershipBan:
		r.members.ObserveLeave(ev.Subject, ev.RoomID)
		if ev.Subject == r.opt.BotUserID {
			return ActionLeaveObserved
		}
		if err := r.blocks.AddUserBlock(ctx, ev.Subject, ev.RoomID, ev.Membership); err != nil {
			r.log.Error("add user block failed", zap.String("user", ev.Subject), zap.String("room", ev.RoomID), zap.Error(err))
			return ActionLeaveObserved
		}
		r.log.Info("user blocked from room", zap.String("user", ev.Subject), zap.String("room", ev.RoomID), zap.String("reason", ev.Membership))
		return ActionBlocked
	}
	return ActionIgnored
}
