package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestSetIfAbsentHonoursExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(Options{DefaultExpiration: 5 * time.Second, Now: clock.Now})
	defer c.Stop()

	assert.True(t, c.SetIfAbsent("alice joined", struct{}{}))
	assert.False(t, c.SetIfAbsent("alice joined", struct{}{}))

	clock.t = clock.t.Add(4 * time.Second)
	assert.False(t, c.SetIfAbsent("alice joined", struct{}{}))

	clock.t = clock.t.Add(2 * time.Second)
	assert.True(t, c.SetIfAbsent("alice joined", struct{}{}))
}

func TestDeleteExpiredDropsOnlyExpired(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(Options{DefaultExpiration: time.Second, Now: clock.Now})
	defer c.Stop()

	c.SetIfAbsent("a", 1)
	clock.t = clock.t.Add(2 * time.Second)
	c.SetIfAbsent("b", 2)
	assert.Equal(t, 2, c.Count())

	c.DeleteExpired()
	assert.Equal(t, 1, c.Count())
	assert.False(t, c.SetIfAbsent("b", 3))
	assert.True(t, c.SetIfAbsent("a", 4))
}

func TestStopIsIdempotent(t *testing.T) {
	c := New(Options{CleanupInterval: 10 * time.Millisecond})
	c.Stop()
	c.Stop()
}
