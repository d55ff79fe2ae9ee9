package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"
)

// Sync long-polls for new events since the given token. An empty token
// requests an initial sync.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		q.Set("since", since)
	}
	var raw syncResp
	if err := c.do(ctx, http.MethodGet, apiPrefix+"/sync", q, nil, &raw); err != nil {
		return nil, err
	}
	resp := flatten(&raw, c.userID)
	for _, id := range resp.Joined {
		c.markJoined(id, true)
	}
	for _, id := range resp.Left {
		c.markJoined(id, false)
	}
	return resp, nil
}

func flatten(raw *syncResp, self string) *SyncResponse {
	out := &SyncResponse{
		NextBatch:      raw.NextBatch,
		TimelineCounts: make(map[string]int),
	}

	for _, roomID := range sortedKeys(raw.Rooms.Join) {
		out.Joined = append(out.Joined, roomID)
		room := raw.Rooms.Join[roomID]
		for _, ev := range room.State.Events {
			if e, ok := convert(roomID, ev); ok {
				out.Events = append(out.Events, e)
			}
		}
		for _, ev := range room.Timeline.Events {
			out.TimelineCounts[ev.Type]++
			if e, ok := convert(roomID, ev); ok {
				out.Events = append(out.Events, e)
			}
		}
	}

	for _, roomID := range sortedKeys(raw.Rooms.Invite) {
		out.Invited = append(out.Invited, roomID)
		for _, ev := range raw.Rooms.Invite[roomID].InviteState.Events {
			e, ok := convert(roomID, ev)
			if !ok || e.Type != EventMember || e.StateKey != self || e.Membership != MembershipInvite {
				continue
			}
			e.Invite = true
			out.Events = append(out.Events, e)
		}
	}

	for _, roomID := range sortedKeys(raw.Rooms.Leave) {
		out.Left = append(out.Left, roomID)
		for _, ev := range raw.Rooms.Leave[roomID].Timeline.Events {
			if e, ok := convert(roomID, ev); ok && e.Type == EventMember {
				out.Events = append(out.Events, e)
			}
		}
	}
	return out
}

// convert keeps member and message events; everything else is dropped.
func convert(roomID string, ev rawEvent) (Event, bool) {
	e := Event{
		ID:        ev.EventID,
		RoomID:    roomID,
		Type:      ev.Type,
		Sender:    ev.Sender,
		Timestamp: ev.OriginServerTS,
	}
	switch ev.Type {
	case EventMember:
		if ev.StateKey == nil {
			return e, false
		}
		var mc memberContent
		if err := json.Unmarshal(ev.Content, &mc); err != nil {
			return e, false
		}
		e.StateKey = *ev.StateKey
		e.Membership = mc.Membership
	case EventMessage:
		var mc messageContent
		if err := json.Unmarshal(ev.Content, &mc); err != nil {
			return e, false
		}
		e.MsgType = mc.MsgType
		e.Body = mc.Body
	default:
		return e, false
	}
	return e, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
