package invite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/matrix"
)

func newTestEngine(t *testing.T, tr *fakeTransport, st *fakeStore, timeout time.Duration) *Engine {
	t.Helper()
	e := NewEngine(tr, st, st, zap.NewNop(), EngineOptions{
		BotUserID:         botID,
		CommandPrefix:     "!!",
		AcceptanceTimeout: timeout,
		StartedAt:         time.UnixMilli(1_000),
	})
	require.NoError(t, e.Rooms.Refresh(context.Background()))
	return e
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	e.Start(context.Background())
	t.Cleanup(e.Stop)
}

// autoAccept makes every successful invite look accepted.
func autoAccept(tr *fakeTransport, e *Engine) {
	tr.onInvite = func(room, user string) { go e.Members.ObserveJoin(user, room) }
}

func waitIdle(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Queue.Pending() == 0 && e.Queue.InFlight() == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestEnqueue_Dedup(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	e := newTestEngine(t, tr, st, 0)
	q := e.Queue

	assert.True(t, q.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x", Source: "join-event"}))
	assert.False(t, q.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x", Source: "reconcile:startup"}))
	assert.True(t, q.Enqueue(Task{UserID: "@u:x", SpaceID: "!other:x"}), "different space is a different task")
	assert.False(t, q.Enqueue(Task{UserID: botID, SpaceID: "!s:x"}), "bot never enqueued")
	assert.Equal(t, 2, q.Pending())

	task, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, "@u:x", task.UserID)

	q.mu.Lock()
	_, inQueued := q.queued[task.key()]
	_, inProcessing := q.processing[task.key()]
	q.mu.Unlock()
	assert.False(t, inQueued)
	assert.True(t, inProcessing)

	assert.False(t, q.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"}), "no-op while processing")
	assert.True(t, q.Outstanding("@u:x", "!s:x"))

	q.finish(task)
	assert.False(t, q.Outstanding("@u:x", "!s:x"))
	assert.True(t, q.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"}))
}

func TestProcess_OrderPreserved(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!c:x", "!a:x", "!b:x")
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x", Source: "join-event"})
	waitIdle(t, e)

	assert.Equal(t, []string{"!c:x|@u:x", "!a:x|@u:x", "!b:x|@u:x"}, tr.invitesSnapshot())
	assert.Equal(t, []string{"!c:x:invited", "!a:x:invited", "!b:x:invited"}, st.outcomes())
	assert.Equal(t, "join-event", st.records[0].Source)
}

func TestProcess_AbortOnInviteFailure(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x", "!c:x")
	tr.inviteErrs["!a:x"] = []error{errForbidden}
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Equal(t, []string{"!a:x|@u:x"}, tr.invitesSnapshot())
	assert.Equal(t, []string{"!a:x:failed"}, st.outcomes())
	assert.Contains(t, st.records[0].ErrorDetail, "M_FORBIDDEN")
}

func TestProcess_BlockedSkipsButContinues(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x", "!c:x")
	st.blocks[blockKey{"@u:x", "!a:x"}] = "leave"
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Equal(t, []string{"!b:x|@u:x", "!c:x|@u:x"}, tr.invitesSnapshot())
	assert.Equal(t, []string{"!a:x:skipped", "!b:x:invited", "!c:x:invited"}, st.outcomes())
	assert.Equal(t, "user is blocked", st.records[0].ErrorDetail)
}

func TestProcess_AlreadyJoined(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x")
	tr.members["!a:x"] = []string{"@u:x"}
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Equal(t, []string{"!b:x|@u:x"}, tr.invitesSnapshot())
	assert.Equal(t, []string{"!a:x:already_joined", "!b:x:invited"}, st.outcomes())
}

func TestProcess_RateLimitRetriesSameInvite(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	tr.inviteErrs["!a:x"] = []error{rateLimitErr{time.Millisecond}, rateLimitErr{time.Millisecond}}
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Len(t, tr.invitesSnapshot(), 3)
	assert.Equal(t, []string{"!a:x:invited"}, st.outcomes())
}

func TestProcess_RateLimitWithoutHintFails(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x")
	tr.inviteErrs["!a:x"] = []error{&matrix.Error{StatusCode: 429, ErrCode: matrix.ErrCodeLimitExceeded, Message: "slow down"}}
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Equal(t, []string{"!a:x|@u:x"}, tr.invitesSnapshot(), "no retry and B never attempted")
	assert.Equal(t, []string{"!a:x:failed"}, st.outcomes())
	assert.Contains(t, st.records[0].ErrorDetail, "M_LIMIT_EXCEEDED")
}

func TestProcess_AcceptanceTimeoutAborts(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x")
	e := newTestEngine(t, tr, st, 50*time.Millisecond)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	e.Queue.Enqueue(Task{UserID: "@v:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Equal(t, []string{"!a:x|@u:x", "!a:x|@v:x"}, tr.invitesSnapshot(), "B never attempted, next user still served")
	_, blocked := st.blockReason("@u:x", "!a:x")
	assert.False(t, blocked, "timeout is not a leave")
	assert.Zero(t, e.Members.Waiting())
}

func TestProcess_JoinFailureAborts(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x")
	tr.notJoined["!a:x"] = true
	tr.joinErr["!a:x"] = errForbidden
	e := newTestEngine(t, tr, st, time.Second)
	start(t, e)

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	waitIdle(t, e)

	assert.Empty(t, tr.invitesSnapshot())
	assert.Empty(t, st.outcomes())
	assert.Equal(t, []string{"!a:x"}, tr.joins)
}

func TestJoiner_UsesRecordedRef(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	tr.notJoined["!a:x"] = true
	tr.joinErr["!a:x"] = errForbidden
	e := newTestEngine(t, tr, st, time.Second)
	e.Joiner.SetRef("!a:x", "#general:x")

	assert.True(t, e.Joiner.EnsureJoined(context.Background(), "!a:x"))
	assert.Equal(t, []string{"#general:x"}, tr.joins)
}

func TestProcess_NoTargetsDropsTask(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	e := newTestEngine(t, tr, st, time.Second)
	start(t, e)

	assert.True(t, e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!gone:x"}))
	waitIdle(t, e)
	assert.Empty(t, tr.invitesSnapshot())
	assert.Empty(t, st.outcomes())
}

func TestStop_InterruptsUnboundedWait(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x")
	e := newTestEngine(t, tr, st, 0)
	e.Start(context.Background())

	e.Queue.Enqueue(Task{UserID: "@u:x", SpaceID: "!s:x"})
	require.Eventually(t, func() bool { return e.Members.Waiting() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the acceptance wait")
	}
}

// Scenario: targets [A, B], both accepted, both recorded invited.
func TestScenario_InviteAllTargets(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x")
	e := newTestEngine(t, tr, st, time.Second)
	autoAccept(tr, e)
	start(t, e)

	act := e.Router.Handle(context.Background(), Event{
		ID: "$j", Kind: KindMember, RoomID: "!s:x", Subject: "@u:x", Sender: "@u:x",
		Membership: MembershipJoin, Timestamp: 2_000,
	})
	assert.Equal(t, ActionEnqueued, act)
	waitIdle(t, e)

	assert.Equal(t, []string{"!a:x:invited", "!b:x:invited"}, st.outcomes())
}

// Scenario: a user leaves B, later joins the space again and is not re-invited to B.
func TestScenario_LeaveBlocksReinvite(t *testing.T) {
	tr, st := newFakeTransport(), newFakeStore()
	st.addRule("!s:x", "!a:x", "!b:x")
	tr.members["!a:x"] = []string{"@u:x"}
	e := newTestEngine(t, tr, st, time.Second)
	start(t, e)

	ctx := context.Background()
	act := e.Router.Handle(ctx, Event{ID: "$l", Kind: KindMember, RoomID: "!b:x", Subject: "@u:x", Membership: MembershipLeave, Timestamp: 2_000})
	assert.Equal(t, ActionBlocked, act)
	reason, ok := st.blockReason("@u:x", "!b:x")
	require.True(t, ok)
	assert.Equal(t, "leave", reason)

	e.Router.Handle(ctx, Event{ID: "$j", Kind: KindMember, RoomID: "!s:x", Subject: "@u:x", Membership: MembershipJoin, Timestamp: 3_000})
	waitIdle(t, e)

	assert.Empty(t, tr.invitesSnapshot())
	assert.Equal(t, []string{"!a:x:already_joined", "!b:x:skipped"}, st.outcomes())
}
