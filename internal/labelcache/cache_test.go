package labelcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New(time.Minute)
	c.now = func() time.Time { return now }

	_, ok := c.Get("!a:x")
	assert.False(t, ok)

	c.Set("!a:x", "General, #general:x")
	got, ok := c.Get("!a:x")
	assert.True(t, ok)
	assert.Equal(t, "General, #general:x", got)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("!a:x")
	assert.False(t, ok, "expired")
}

func TestCache_Forget(t *testing.T) {
	c := New(0)
	c.Set("!a:x", "General")
	c.Forget("!a:x")
	_, ok := c.Get("!a:x")
	assert.False(t, ok)
}
