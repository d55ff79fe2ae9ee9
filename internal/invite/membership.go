package invite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/breaker"
	"github.com/hellerschmid/spacebot/internal/metrics"
)

type MemberLister interface {
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
}

type waitKey struct{ user, room string }

type roomMembers struct {
	users  map[string]struct{}
	loaded bool
}

// Membership caches the joined users of tracked (target) rooms. A room is
// seeded by a full fetch on first use and then adjusted by live events.
// It also owns the acceptance waiters so that observing a join and
// registering a waiter happen under the same lock.
type Membership struct {
	lister MemberLister
	brk    *breaker.Breaker
	log    *zap.Logger

	mu      sync.Mutex
	rooms   map[string]*roomMembers
	waiters map[waitKey]chan struct{}
}

// NewMembership builds the cache. brk may be nil to always fetch.
func NewMembership(lister MemberLister, brk *breaker.Breaker, log *zap.Logger) *Membership {
	return &Membership{
		lister:  lister,
		brk:     brk,
		log:     log.Named("membership"),
		rooms:   make(map[string]*roomMembers),
		waiters: make(map[waitKey]chan struct{}),
	}
}

// Track sets the rooms that receive live updates. Rooms no longer listed
// are forgotten; rooms already tracked keep their members.
func (m *Membership) Track(roomIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*roomMembers, len(roomIDs))
	for _, id := range roomIDs {
		if rm, ok := m.rooms[id]; ok {
			next[id] = rm
			continue
		}
		next[id] = &roomMembers{users: make(map[string]struct{})}
	}
	m.rooms = next
}

func (m *Membership) Tracked(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

// IsJoined reports whether user is joined to room. A fetch failure is
// treated as not joined.
func (m *Membership) IsJoined(ctx context.Context, userID, roomID string) bool {
	m.mu.Lock()
	rm := m.rooms[roomID]
	if rm != nil {
		if _, ok := rm.users[userID]; ok {
			m.mu.Unlock()
			return true
		}
		if rm.loaded {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()

	users, err := m.Fetch(ctx, roomID)
	if err != nil {
		m.log.Warn("membership unknown, assuming not joined",
			zap.String("room", roomID), zap.String("user", userID), zap.Error(err))
		return false
	}
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

type errFetchSuppressed struct {
	room string
	left time.Duration
}

func (e errFetchSuppressed) Error() string {
	return fmt.Sprintf("membership fetch suppressed for %s (%s left)", e.room, e.left.Round(time.Second))
}

// Fetch loads the joined members of a room from the server and, when the
// room is tracked, replaces its cached set wholesale.
func (m *Membership) Fetch(ctx context.Context, roomID string) ([]string, error) {
	if m.brk != nil {
		if left := m.brk.Suppressed(roomID); left > 0 {
			metrics.BreakerDrop.Inc()
			return nil, errFetchSuppressed{room: roomID, left: left}
		}
	}
	users, err := m.lister.JoinedMembers(ctx, roomID)
	if err != nil {
		metrics.MembershipFetchFail.Inc()
		if m.brk != nil && m.brk.Failure(roomID) {
			metrics.BreakerOpen.Inc()
			m.log.Warn("membership breaker opened", zap.String("room", roomID))
		}
		return nil, err
	}
	if m.brk != nil {
		m.brk.Success(roomID)
	}

	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	m.mu.Lock()
	if _, ok := m.rooms[roomID]; ok {
		m.rooms[roomID] = &roomMembers{users: set, loaded: true}
	}
	m.mu.Unlock()
	return users, nil
}

// ObserveJoin records a live join and wakes a waiter for (user, room).
func (m *Membership) ObserveJoin(userID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, ok := m.rooms[roomID]; ok {
		rm.users[userID] = struct{}{}
	}
	k := waitKey{userID, roomID}
	if ch, ok := m.waiters[k]; ok {
		close(ch)
		delete(m.waiters, k)
	}
}

func (m *Membership) ObserveLeave(userID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, ok := m.rooms[roomID]; ok {
		delete(rm.users, userID)
	}
}

// Members returns the cached members of a room and whether it was loaded.
func (m *Membership) Members(roomID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(rm.users))
	for u := range rm.users {
		out = append(out, u)
	}
	return out, rm.loaded
}

// Waiting reports the number of registered acceptance waiters.
func (m *Membership) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// AwaitJoin blocks until userID is observed joining roomID. It returns
// immediately when the join is already cached. timeout <= 0 waits without
// a deadline. Cancelling ctx returns ErrStopped.
func (m *Membership) AwaitJoin(ctx context.Context, userID, roomID string, timeout time.Duration) error {
	k := waitKey{userID, roomID}

	m.mu.Lock()
	if rm, ok := m.rooms[roomID]; ok {
		if _, joined := rm.users[userID]; joined {
			m.mu.Unlock()
			return nil
		}
	}
	ch, ok := m.waiters[k]
	if !ok {
		ch = make(chan struct{})
		m.waiters[k] = ch
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if cur, ok := m.waiters[k]; ok && cur == ch {
			delete(m.waiters, k)
		}
		m.mu.Unlock()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-ch:
		return nil
	case <-deadline:
		return ErrAcceptanceTimeout
	case <-ctx.Done():
		return ErrStopped
	}
}
