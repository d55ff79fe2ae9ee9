package matrix

import "encoding/json"

const (
	EventMember      = "m.room.member"
	EventMessage     = "m.room.message"
	EventPowerLevels = "m.room.power_levels"
	EventRoomName    = "m.room.name"
	EventCreate      = "m.room.create"
	EventAlias       = "m.room.canonical_alias"

	RoomTypeSpace = "m.space"

	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipInvite = "invite"
)

// Event is a flattened member or message event from a sync response.
type Event struct {
	ID         string
	RoomID     string
	Type       string
	Sender     string
	StateKey   string
	Membership string
	Body       string
	MsgType    string
	// Timestamp is origin_server_ts in milliseconds; zero for stripped invite state.
	Timestamp int64
	// Invite is set for events taken from an invited room's stripped state.
	Invite bool
}

type SyncResponse struct {
	NextBatch string
	Joined    []string
	Invited   []string
	Left      []string
	Events    []Event
	// TimelineCounts counts timeline events by type across joined rooms.
	TimelineCounts map[string]int
}

type PowerLevels struct {
	Users        map[string]int `json:"users"`
	UsersDefault int            `json:"users_default"`
}

// UserLevel returns the user's level, falling back to users_default.
func (p *PowerLevels) UserLevel(userID string) int {
	if p == nil {
		return 0
	}
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

/* ---------------- wire types ---------------- */

type rawEvent struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

type eventList struct {
	Events []rawEvent `json:"events"`
}

type joinedRoom struct {
	State    eventList `json:"state"`
	Timeline eventList `json:"timeline"`
}

type invitedRoom struct {
	InviteState eventList `json:"invite_state"`
}

type leftRoom struct {
	Timeline eventList `json:"timeline"`
}

type syncResp struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[string]joinedRoom  `json:"join"`
		Invite map[string]invitedRoom `json:"invite"`
		Leave  map[string]leftRoom    `json:"leave"`
	} `json:"rooms"`
}

type memberContent struct {
	Membership string `json:"membership"`
}

type messageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

type loginReq struct {
	Type       string         `json:"type"`
	Identifier map[string]any `json:"identifier"`
	Password   string         `json:"password"`
	DeviceName string         `json:"initial_device_display_name,omitempty"`
}

type loginResp struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
}

type roomIDResp struct {
	RoomID string `json:"room_id"`
}

type joinedMembersResp struct {
	Joined map[string]json.RawMessage `json:"joined"`
}
