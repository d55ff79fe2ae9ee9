package invite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Classification(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	e := newTestEngine(t, tr, st, 0)

	var invites, commands []Event
	e.SetHandlers(
		func(_ context.Context, ev Event) { invites = append(invites, ev) },
		func(_ context.Context, ev Event) { commands = append(commands, ev) },
	)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   Event
		want Action
	}{
		{"command from before startup", Event{ID: "$0", Kind: KindMessage, RoomID: "!r:x", Sender: "@admin:x", Body: "!!status", Timestamp: 999}, ActionStale},
		{"unmonitored room", Event{ID: "$1", Kind: KindMember, RoomID: "!zzz:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 2000}, ActionIgnored},
		{"space join", Event{ID: "$2", Kind: KindMember, RoomID: "!s:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 2000}, ActionEnqueued},
		{"replayed space join", Event{ID: "$2", Kind: KindMember, RoomID: "!s:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 2000}, ActionDuplicate},
		{"bot joins space", Event{ID: "$3", Kind: KindMember, RoomID: "!s:x", Subject: botID, Membership: MembershipJoin, Timestamp: 2000}, ActionIgnored},
		{"space leave", Event{ID: "$4", Kind: KindMember, RoomID: "!s:x", Subject: "@w:x", Membership: MembershipLeave, Timestamp: 2000}, ActionIgnored},
		{"target join", Event{ID: "$5", Kind: KindMember, RoomID: "!a:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 2000}, ActionJoinObserved},
		{"target ban", Event{ID: "$6", Kind: KindMember, RoomID: "!a:x", Subject: "@v:x", Membership: MembershipBan, Timestamp: 2000}, ActionBlocked},
		{"bot leaves target", Event{ID: "$7", Kind: KindMember, RoomID: "!a:x", Subject: botID, Membership: MembershipLeave, Timestamp: 2000}, ActionLeaveObserved},
		{"target invite", Event{ID: "$8", Kind: KindMember, RoomID: "!a:x", Subject: "@v:x", Membership: "invite", Timestamp: 2000}, ActionIgnored},
		{"bot invited", Event{Kind: KindBotInvite, RoomID: "!new:x", Sender: "@admin:x", Subject: botID}, ActionBotInvite},
		{"invite for someone else", Event{Kind: KindBotInvite, RoomID: "!new:x", Subject: "@u:x"}, ActionIgnored},
		{"command", Event{ID: "$9", Kind: KindMessage, RoomID: "!r:x", Sender: "@admin:x", Body: "!!status", Timestamp: 2000}, ActionCommand},
		{"plain message", Event{ID: "$10", Kind: KindMessage, RoomID: "!r:x", Sender: "@admin:x", Body: "hello", Timestamp: 2000}, ActionIgnored},
		{"bot's own command", Event{ID: "$11", Kind: KindMessage, RoomID: "!r:x", Sender: botID, Body: "!!help", Timestamp: 2000}, ActionIgnored},
		{"replayed command", Event{ID: "$9", Kind: KindMessage, RoomID: "!r:x", Sender: "@admin:x", Body: "!!status", Timestamp: 2000}, ActionDuplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Router.Handle(ctx, tt.ev)
			assert.Equal(t, tt.want, got, "got %s want %s", got, tt.want)
		})
	}

	require.Len(t, invites, 1)
	assert.Equal(t, "!new:x", invites[0].RoomID)
	require.Len(t, commands, 1)
	assert.Equal(t, "!!status", commands[0].Body)

	reason, ok := st.blockReason("@v:x", "!a:x")
	assert.True(t, ok)
	assert.Equal(t, "ban", reason)
	_, ok = st.blockReason(botID, "!a:x")
	assert.False(t, ok, "bot never blocks itself")

	assert.True(t, e.Members.IsJoined(ctx, "@u:x", "!a:x"))
	assert.Equal(t, "member", st.seen["$2"].Type)
	assert.Equal(t, "message", st.seen["$9"].Type)
	_, persisted := st.seen["$1"]
	assert.False(t, persisted, "irrelevant events are not stored")
}

func TestRouter_SeenStoreFailureStillProcesses(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	st.seenErr = errors.New("db down")
	e := newTestEngine(t, tr, st, 0)

	act := e.Router.Handle(context.Background(), Event{ID: "$1", Kind: KindMember, RoomID: "!s:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 2000})
	assert.Equal(t, ActionEnqueued, act)
}

func TestRouter_JoinSignalsWaiter(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	e := newTestEngine(t, tr, st, 0)

	errc := make(chan error, 1)
	go func() { errc <- e.Members.AwaitJoin(context.Background(), "@u:x", "!a:x", 0) }()
	require.Eventually(t, func() bool { return e.Members.Waiting() == 1 }, time.Second, time.Millisecond)

	e.Router.Handle(context.Background(), Event{ID: "$j", Kind: KindMember, RoomID: "!a:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 2000})
	assert.NoError(t, <-errc)
}

// A leave that happened while the bot was down arrives with an old
// timestamp on the first sync; it must still block re-invites.
func TestRouter_LeaveBeforeStartupStillBlocks(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!b:x")
	tr.members["!s:x"] = []string{"@u:x"}
	e := newTestEngine(t, tr, st, time.Second)
	start(t, e)
	ctx := context.Background()

	act := e.Router.Handle(ctx, Event{ID: "$l", Kind: KindMember, RoomID: "!b:x", Subject: "@u:x", Membership: MembershipLeave, Timestamp: 500})
	assert.Equal(t, ActionBlocked, act)
	reason, ok := st.blockReason("@u:x", "!b:x")
	require.True(t, ok)
	assert.Equal(t, "leave", reason)

	assert.Equal(t, 1, e.Reconciler.Run(ctx, "startup"))
	waitIdle(t, e)

	assert.Empty(t, tr.invitesSnapshot())
	assert.Equal(t, []string{"!b:x:skipped"}, st.outcomes())
}

func TestRouter_SpaceJoinBeforeStartupIsQueued(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!b:x")
	e := newTestEngine(t, tr, st, 0)

	act := e.Router.Handle(context.Background(), Event{ID: "$j", Kind: KindMember, RoomID: "!s:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 500})
	assert.Equal(t, ActionEnqueued, act)
	assert.Equal(t, "member", st.seen["$j"].Type)
}
