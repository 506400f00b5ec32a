package breaker

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New(cfg, slog.Default())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute})

	assert.True(t, b.Allow("file-a"))

	b.RecordFailure("file-a")
	b.RecordFailure("file-a")
	assert.True(t, b.Allow("file-a"), "below threshold should still allow")
	assert.Equal(t, StateClosed, b.StateFor("file-a"))

	b.RecordFailure("file-a")
	assert.Equal(t, StateOpen, b.StateFor("file-a"))

	// Repeated attempts while open are short-circuited
	for i := 0; i < 5; i++ {
		assert.False(t, b.Allow("file-a"))
	}
}

func TestBreaker_PerKeyIsolation(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, Window: time.Minute, Cooldown: time.Minute})

	b.RecordFailure("file-a")
	b.RecordFailure("file-a")

	assert.False(t, b.Allow("file-a"))
	assert.True(t, b.Allow("file-b"), "other keys are unaffected")
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Minute})

	b.RecordFailure("file-a")
	b.RecordFailure("file-a")

	// Failures older than the window no longer count toward the threshold
	*now = now.Add(2 * time.Minute)
	b.RecordFailure("file-a")

	assert.Equal(t, StateClosed, b.StateFor("file-a"))
	assert.True(t, b.Allow("file-a"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	cfg := Config{FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second}

	t.Run("probe success closes the breaker", func(t *testing.T) {
		b, now := newTestBreaker(cfg)

		b.RecordFailure("k")
		b.RecordFailure("k")
		require.False(t, b.Allow("k"))

		*now = now.Add(31 * time.Second)
		assert.True(t, b.Allow("k"), "cooldown elapsed, probe should pass")
		assert.Equal(t, StateHalfOpen, b.StateFor("k"))

		b.RecordSuccess("k")
		assert.Equal(t, StateClosed, b.StateFor("k"))
		assert.True(t, b.Allow("k"))
	})

	t.Run("probe failure reopens the breaker", func(t *testing.T) {
		b, now := newTestBreaker(cfg)

		b.RecordFailure("k")
		b.RecordFailure("k")

		*now = now.Add(31 * time.Second)
		require.True(t, b.Allow("k"))

		b.RecordFailure("k")
		assert.Equal(t, StateOpen, b.StateFor("k"))
		assert.False(t, b.Allow("k"))

		// A fresh cooldown applies from the reopen
		*now = now.Add(29 * time.Second)
		assert.False(t, b.Allow("k"))
		*now = now.Add(2 * time.Second)
		assert.True(t, b.Allow("k"))
	})
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second})

	b.RecordFailure("k")
	b.RecordFailure("k")
	*now = now.Add(31 * time.Second)

	require.True(t, b.Allow("k"))
	for i := 0; i < 3; i++ {
		assert.False(t, b.Allow("k"), "concurrent callers must wait for the probe outcome")
	}

	b.RecordSuccess("k")
	assert.True(t, b.Allow("k"))
}

func TestBreaker_StaleProbeIsReplaced(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second})

	b.RecordFailure("k")
	*now = now.Add(31 * time.Second)
	require.True(t, b.Allow("k"))

	// The probe's worker died without reporting; after another
	// cool-down the key accepts a new probe instead of wedging.
	*now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("k"))
}

func TestBreaker_OpenKeys(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Minute})

	assert.Equal(t, 0, b.OpenKeys())

	b.RecordFailure("a")
	b.RecordFailure("b")
	assert.Equal(t, 2, b.OpenKeys())

	b.RecordSuccess("a")
	assert.Equal(t, 1, b.OpenKeys())
}
