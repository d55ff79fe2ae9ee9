package repo

import "time"

// Invite outcomes recorded in invite_history.
const (
	ResultInvited       = "invited"
	ResultFailed        = "failed"
	ResultAlreadyJoined = "already_joined"
	ResultSkipped       = "skipped"
)

// Rule maps a space to one target room.
type Rule struct {
	ID           int64
	SpaceRoomID  string
	TargetRoomID string
	AddedBy      string
	CreatedAt    time.Time
}

// UserBlock keeps a user from being auto-invited to a room again.
type UserBlock struct {
	UserID    string
	RoomID    string
	Reason    string
	CreatedAt time.Time
}

// SeenEvent is the metadata kept for a processed transport event.
// Timestamp is the server timestamp in milliseconds.
type SeenEvent struct {
	EventID   string
	Type      string
	RoomID    string
	Sender    string
	Timestamp int64
}

type InviteRecord struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	RoomID      string    `json:"room_id"`
	Source      string    `json:"source"`
	Result      string    `json:"result"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type InviteStats struct {
	Total         int64
	Invited       int64
	Failed        int64
	AlreadyJoined int64
	Skipped       int64
}

// HistoryFilter narrows InviteHistory; empty fields match everything.
type HistoryFilter struct {
	UserID string
	RoomID string
	Limit  int
}

// JoinRefKey is the bot_state key holding the alias a room was configured with.
func JoinRefKey(roomID string) string { return "join_ref:" + roomID }
