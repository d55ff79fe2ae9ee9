package invite

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Rooms caches which room ids are monitored spaces and which are targets.
// Classification reads it on every event; Refresh reloads it from the store.
type Rooms struct {
	rules   RuleStore
	members *Membership
	log     *zap.Logger

	mu      sync.RWMutex
	spaces  []string
	targets []string
	isSpace map[string]struct{}
	isTgt   map[string]struct{}
}

func NewRooms(rules RuleStore, members *Membership, log *zap.Logger) *Rooms {
	return &Rooms{
		rules:   rules,
		members: members,
		log:     log.Named("rooms"),
		isSpace: map[string]struct{}{},
		isTgt:   map[string]struct{}{},
	}
}

// Refresh reloads both sets and retargets the membership cache.
func (r *Rooms) Refresh(ctx context.Context) error {
	spaces, err := r.rules.SpaceIDs(ctx)
	if err != nil {
		return err
	}
	targets, err := r.rules.TargetRoomIDs(ctx)
	if err != nil {
		return err
	}

	isSpace := make(map[string]struct{}, len(spaces))
	for _, id := range spaces {
		isSpace[id] = struct{}{}
	}
	isTgt := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		isTgt[id] = struct{}{}
	}

	r.mu.Lock()
	r.spaces, r.targets = spaces, targets
	r.isSpace, r.isTgt = isSpace, isTgt
	r.mu.Unlock()

	r.members.Track(targets)
	r.log.Info("room caches refreshed", zap.Int("spaces", len(spaces)), zap.Int("targets", len(targets)))
	return nil
}

func (r *Rooms) IsSpace(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.isSpace[roomID]
	return ok
}

func (r *Rooms) IsTarget(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.isTgt[roomID]
	return ok
}

func (r *Rooms) Spaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.spaces...)
}

func (r *Rooms) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.targets...)
}
