// Package breaker suppresses member-list fetches for rooms that keep
// failing, so one broken room cannot turn every invite into a slow error.
package breaker

import (
	"sync"
	"time"
)

// Breaker tracks fetch failures per room. Threshold failures inside Window
// suppress fetches for that room during OpenFor; the next attempt after the
// cool-down starts from a clean count.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration
	now       func() time.Time

	rooms map[string]*roomFailures
}

type roomFailures struct {
	count      int
	firstAt    time.Time
	suppressTo time.Time
}

type Options struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
	Now       func() time.Time
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 3
	}
	if opt.Window <= 0 {
		opt.Window = time.Minute
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 30 * time.Second
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		now:       opt.Now,
		rooms:     make(map[string]*roomFailures),
	}
}

// Suppressed returns how long fetches for room stay suppressed; zero means
// a fetch may go ahead.
func (b *Breaker) Suppressed(room string) time.Duration {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	rf, ok := b.rooms[room]
	if !ok || rf.suppressTo.IsZero() {
		return 0
	}
	if left := rf.suppressTo.Sub(now); left > 0 {
		return left
	}
	delete(b.rooms, room)
	return 0
}

func (b *Breaker) Success(room string) {
	b.mu.Lock()
	delete(b.rooms, room)
	b.mu.Unlock()
}

// Failure counts a failed fetch and reports whether it started suppression.
func (b *Breaker) Failure(room string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	rf, ok := b.rooms[room]
	if !ok || now.Sub(rf.firstAt) > b.window {
		rf = &roomFailures{firstAt: now}
		b.rooms[room] = rf
	}
	rf.count++
	if rf.count < b.threshold || !rf.suppressTo.IsZero() {
		return false
	}
	rf.suppressTo = now.Add(b.openFor)
	return true
}
