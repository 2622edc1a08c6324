package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpiredNeverExpiresWhenExpTimeZero(t *testing.T) {
	assert.False(t, Expired(0, 1_000_000, 5, 0))
}

func TestExpiredTrueWhenExpTimeReached(t *testing.T) {
	assert.True(t, Expired(100, 100, 5, 0))
	assert.True(t, Expired(100, 101, 5, 0))
	assert.False(t, Expired(100, 99, 5, 0))
}

func TestExpiredTrueWhenStampPredatesFlush(t *testing.T) {
	// exp_time is 0 (never) but the entry's stamp predates flush_all's
	// stamp: must still report expired.
	assert.True(t, Expired(0, 1_000_000, 4, 5))
	assert.False(t, Expired(0, 1_000_000, 5, 5))
	assert.False(t, Expired(0, 1_000_000, 6, 5))
}

func TestNormalizeExpiryZeroPassesThrough(t *testing.T) {
	assert.Equal(t, uint32(0), NormalizeExpiry(0, 12345))
}

func TestNormalizeExpiryNegativeIsImmediateExpiry(t *testing.T) {
	assert.Equal(t, uint32(1), NormalizeExpiry(-1, 12345))
}

func TestNormalizeExpiryRelativeBoundary(t *testing.T) {
	const thirtyDays = 30 * 24 * 60 * 60
	now := uint32(1_000_000)

	// exactly 30 days: still relative.
	assert.Equal(t, now+uint32(thirtyDays), NormalizeExpiry(thirtyDays, now))

	// one second past: treated as an absolute Unix timestamp, passed through.
	assert.Equal(t, uint32(thirtyDays+1), NormalizeExpiry(thirtyDays+1, now))
}

func TestNormalizeExpirySmallRelativeValue(t *testing.T) {
	now := uint32(1_000_000)
	assert.Equal(t, now+60, NormalizeExpiry(60, now))
}

func TestNewSeedsCurrentSecond(t *testing.T) {
	c := New()
	now := uint32(time.Now().Unix())
	got := c.NowSeconds()
	assert.InDelta(t, int64(now), int64(got), 2)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	c := New()
	c.now.Store(0) // force a change Run must overwrite

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return c.NowSeconds() != 0
	}, 3*time.Second, 10*time.Millisecond, "Run must advance now within a second or two")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}
