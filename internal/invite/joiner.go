package invite

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hellerschmid/spacebot/internal/metrics"
)

// Joiner makes sure the bot is in a room before acting on it.
// It remembers the reference (alias or id) a room was configured with,
// since joining over federation may only work through the alias.
type Joiner struct {
	tr  Transport
	log *zap.Logger

	mu   sync.RWMutex
	refs map[string]string
}

func NewJoiner(tr Transport, log *zap.Logger) *Joiner {
	return &Joiner{tr: tr, log: log.Named("join"), refs: make(map[string]string)}
}

// SetRef records the original reference for roomID. Refs equal to the id are ignored.
func (j *Joiner) SetRef(roomID, ref string) {
	if ref == "" || ref == roomID {
		return
	}
	j.mu.Lock()
	j.refs[roomID] = ref
	j.mu.Unlock()
}

func (j *Joiner) Ref(roomID string) string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if ref, ok := j.refs[roomID]; ok {
		return ref
	}
	return roomID
}

// EnsureJoined returns true when the bot is, or just became, a member of
// roomID. It tries once; callers must not retry on false.
func (j *Joiner) EnsureJoined(ctx context.Context, roomID string) bool {
	if j.tr.IsJoined(roomID) {
		return true
	}
	ref := j.Ref(roomID)
	j.log.Info("bot not joined, joining", zap.String("room", roomID), zap.String("via", ref))
	if _, err := j.tr.Join(ctx, ref); err != nil {
		metrics.JoinFailures.Inc()
		j.log.Warn("cannot join room", zap.String("room", roomID), zap.String("via", ref), zap.Error(err))
		return false
	}
	j.log.Info("joined room", zap.String("room", roomID))
	return true
}

// EnsureJoinedAll runs one join pass over roomIDs in sorted order and
// returns how many rooms the bot is now in.
func (j *Joiner) EnsureJoinedAll(ctx context.Context, roomIDs []string, source string) int {
	if len(roomIDs) == 0 {
		j.log.Info("no configured rooms to join", zap.String("source", source))
		return 0
	}
	sorted := append([]string(nil), roomIDs...)
	sort.Strings(sorted)

	n := 0
	for _, id := range sorted {
		if j.EnsureJoined(ctx, id) {
			n++
		}
	}
	j.log.Info("room join check done", zap.String("source", source), zap.Int("joined", n), zap.Int("total", len(sorted)))
	return n
}
