package backoff

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Delay(t *testing.T) {
	cfg := Config{
		Base:     100 * time.Millisecond,
		Factor:   2.0,
		MaxDelay: 5 * time.Second,
		Jitter:   0,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 0, want: 100 * time.Millisecond},
		{name: "second attempt", attempt: 1, want: 200 * time.Millisecond},
		{name: "fourth attempt", attempt: 3, want: 800 * time.Millisecond},
		{name: "capped at max delay", attempt: 10, want: 5 * time.Second},
		{name: "negative attempt clamps to base", attempt: -1, want: 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Delay(tt.attempt))
		})
	}
}

func TestConfig_Delay_NeverExceedsMax(t *testing.T) {
	cfg := Config{
		Base:     500 * time.Millisecond,
		Factor:   2.0,
		MaxDelay: 2 * time.Minute,
		Jitter:   250 * time.Millisecond,
	}

	// Regression against naive unbounded exponential growth: very high
	// attempt counts must neither overflow nor exceed max + jitter.
	for _, attempt := range []int{0, 1, 10, 63, 64, 100, 100000} {
		d := cfg.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, cfg.MaxDelay+cfg.Jitter, "attempt %d", attempt)
	}
}

func TestConfig_Delay_JitterRange(t *testing.T) {
	cfg := Config{
		Base:     100 * time.Millisecond,
		Factor:   2.0,
		MaxDelay: time.Second,
		Jitter:   50 * time.Millisecond,
	}

	for i := 0; i < 100; i++ {
		d := cfg.Delay(0)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestPollUntil(t *testing.T) {
	t.Run("succeeds once predicate turns true", func(t *testing.T) {
		var calls atomic.Int32
		ok := PollUntil(context.Background(), func(ctx context.Context) bool {
			return calls.Add(1) >= 3
		}, time.Millisecond, time.Second)

		assert.True(t, ok)
		assert.GreaterOrEqual(t, calls.Load(), int32(3))
	})

	t.Run("times out when predicate never succeeds", func(t *testing.T) {
		ok := PollUntil(context.Background(), func(ctx context.Context) bool {
			return false
		}, time.Millisecond, 20*time.Millisecond)

		assert.False(t, ok)
	})

	t.Run("returns immediately when already ready", func(t *testing.T) {
		start := time.Now()
		ok := PollUntil(context.Background(), func(ctx context.Context) bool {
			return true
		}, time.Second, 10*time.Second)

		assert.True(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ok := PollUntil(ctx, func(ctx context.Context) bool {
			return false
		}, time.Millisecond, time.Minute)

		assert.False(t, ok)
	})
}
