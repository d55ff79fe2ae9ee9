// Package invite is the orchestration core of the bot: it decides which
// transport events matter, keeps a membership view of the target rooms and
// drives a strictly serialized invite queue.
package invite

import (
	"context"
	"errors"
	"time"

	"github.com/hellerschmid/spacebot/internal/repo"
)

var (
	ErrStopped           = errors.New("invite: stopped")
	ErrAcceptanceTimeout = errors.New("invite: acceptance timed out")
)

// Transport is the subset of the homeserver client the core needs.
type Transport interface {
	Invite(ctx context.Context, roomID, userID string) error
	// Join accepts a room id or alias and returns the joined room id.
	Join(ctx context.Context, roomRef string) (string, error)
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
	// IsJoined answers from the bot's own synced room list.
	IsJoined(roomID string) bool
}

type RuleStore interface {
	TargetRooms(ctx context.Context, spaceID string) ([]string, error)
	SpaceIDs(ctx context.Context) ([]string, error)
	TargetRoomIDs(ctx context.Context) ([]string, error)
	ConfiguredRoomIDs(ctx context.Context) ([]string, error)
}

type Blocklist interface {
	IsUserBlocked(ctx context.Context, userID, roomID string) (bool, error)
	AddUserBlock(ctx context.Context, userID, roomID, reason string) error
}

type AuditLog interface {
	RecordInvite(ctx context.Context, rec repo.InviteRecord) error
}

type SeenStore interface {
	IsEventSeen(ctx context.Context, eventID string) (bool, error)
	MarkEventSeen(ctx context.Context, ev repo.SeenEvent) error
}

// Store is everything the core persists besides seen events.
type Store interface {
	RuleStore
	Blocklist
	AuditLog
}

// retryAfterer is implemented by transport errors that carry a rate-limit hint.
type retryAfterer interface {
	RetryAfter() (time.Duration, bool)
}

func retryAfter(err error) (time.Duration, bool) {
	var ra retryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0, false
}
