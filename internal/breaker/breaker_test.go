package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_SuppressesAtThreshold(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New(Options{Threshold: 3, Window: time.Minute, OpenFor: 30 * time.Second, Now: c.now})

	assert.False(t, b.Failure("!a:x"))
	assert.False(t, b.Failure("!a:x"))
	assert.Zero(t, b.Suppressed("!a:x"))
	assert.True(t, b.Failure("!a:x"))
	assert.Equal(t, 30*time.Second, b.Suppressed("!a:x"))
	assert.Zero(t, b.Suppressed("!b:x"), "rooms are independent")

	c.advance(10 * time.Second)
	assert.Equal(t, 20*time.Second, b.Suppressed("!a:x"))

	c.advance(21 * time.Second)
	assert.Zero(t, b.Suppressed("!a:x"), "cool-down over")
	assert.False(t, b.Failure("!a:x"), "count starts over after cool-down")
}

func TestBreaker_WindowResets(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New(Options{Threshold: 2, Window: time.Second, OpenFor: time.Minute, Now: c.now})

	assert.False(t, b.Failure("!a:x"))
	c.advance(2 * time.Second)
	assert.False(t, b.Failure("!a:x"), "first failure of a new window")
	assert.True(t, b.Failure("!a:x"))
}

func TestBreaker_SuccessClears(t *testing.T) {
	b := New(Options{Threshold: 2})
	b.Failure("!a:x")
	b.Success("!a:x")
	assert.False(t, b.Failure("!a:x"))
	assert.Zero(t, b.Suppressed("!a:x"))
}

func TestBreaker_ThresholdOne(t *testing.T) {
	b := New(Options{Threshold: 1, OpenFor: time.Minute})
	assert.True(t, b.Failure("!a:x"))
	assert.Positive(t, b.Suppressed("!a:x"))
	assert.False(t, b.Failure("!a:x"), "already suppressed")
}
