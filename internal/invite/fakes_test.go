package invite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hellerschmid/spacebot/internal/repo"
)

const botID = "@bot:example.org"

type rateLimitErr struct{ after time.Duration }

func (e rateLimitErr) Error() string                     { return "M_LIMIT_EXCEEDED" }
func (e rateLimitErr) RetryAfter() (time.Duration, bool) { return e.after, true }

var errForbidden = errors.New("M_FORBIDDEN: not allowed")

type fakeTransport struct {
	mu         sync.Mutex
	notJoined  map[string]bool
	joinErr    map[string]error
	members    map[string][]string
	membersErr map[string]error
	inviteErrs map[string][]error
	invites    []string
	joins      []string
	fetches    map[string]int
	onInvite   func(room, user string)
	block      chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		notJoined:  map[string]bool{},
		joinErr:    map[string]error{},
		members:    map[string][]string{},
		membersErr: map[string]error{},
		inviteErrs: map[string][]error{},
		fetches:    map[string]int{},
	}
}

func (f *fakeTransport) Invite(_ context.Context, room, user string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.invites = append(f.invites, room+"|"+user)
	var err error
	if errs := f.inviteErrs[room]; len(errs) > 0 {
		err = errs[0]
		f.inviteErrs[room] = errs[1:]
	}
	cb := f.onInvite
	f.mu.Unlock()
	if err == nil && cb != nil {
		cb(room, user)
	}
	return err
}

func (f *fakeTransport) Join(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, ref)
	if err := f.joinErr[ref]; err != nil {
		return "", err
	}
	delete(f.notJoined, ref)
	return ref, nil
}

func (f *fakeTransport) JoinedMembers(_ context.Context, room string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[room]++
	if err := f.membersErr[room]; err != nil {
		return nil, err
	}
	return append([]string(nil), f.members[room]...), nil
}

func (f *fakeTransport) IsJoined(room string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.notJoined[room]
}

func (f *fakeTransport) invitesSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invites...)
}

type blockKey struct{ user, room string }

type fakeStore struct {
	mu       sync.Mutex
	spaces   []string
	rules    map[string][]string
	blocks   map[blockKey]string
	blockErr error
	records  []repo.InviteRecord
	seen     map[string]repo.SeenEvent
	seenErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rules:  map[string][]string{},
		blocks: map[blockKey]string{},
		seen:   map[string]repo.SeenEvent{},
	}
}

func (s *fakeStore) addRule(space string, targets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[space]; !ok {
		s.spaces = append(s.spaces, space)
	}
	s.rules[space] = append(s.rules[space], targets...)
}

func (s *fakeStore) TargetRooms(_ context.Context, space string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rules[space]...), nil
}

func (s *fakeStore) SpaceIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spaces...), nil
}

func (s *fakeStore) TargetRoomIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, sp := range s.spaces {
		for _, t := range s.rules[sp] {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) ConfiguredRoomIDs(ctx context.Context) ([]string, error) {
	spaces, _ := s.SpaceIDs(ctx)
	targets, _ := s.TargetRoomIDs(ctx)
	return append(spaces, targets...), nil
}

func (s *fakeStore) IsUserBlocked(_ context.Context, user, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return false, s.blockErr
	}
	_, ok := s.blocks[blockKey{user, room}]
	return ok, nil
}

func (s *fakeStore) AddUserBlock(_ context.Context, user, room, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey{user, room}] = reason
	return nil
}

func (s *fakeStore) RecordInvite(_ context.Context, rec repo.InviteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) IsEventSeen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenErr != nil {
		return false, s.seenErr
	}
	_, ok := s.seen[id]
	return ok, nil
}

func (s *fakeStore) MarkEventSeen(_ context.Context, ev repo.SeenEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenErr != nil {
		return s.seenErr
	}
	s.seen[ev.EventID] = ev
	return nil
}

// outcomes renders records as "room:result" in order.
func (s *fakeStore) outcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, fmt.Sprintf("%s:%s", r.RoomID, r.Result))
	}
	return out
}

func (s *fakeStore) blockReason(user, room string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.blocks[blockKey{user, room}]
	return r, ok
}
