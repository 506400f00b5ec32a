// Package breaker implements a per-resource-key circuit breaker with a
// sliding failure window. It is a best-effort load-shedding guard, not a
// correctness mechanism: state is in-memory only and rebuilt empty on
// restart.
package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state for one resource key
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds breaker tuning parameters
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// keyState tracks one resource key's failure window and state
type keyState struct {
	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool
	probeAt     time.Time
}

// Breaker guards execution against consistently failing resources,
// keyed by resource (file path, or a coarser tenant key)
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	keys   map[string]*keyState
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Breaker with the given configuration
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	return &Breaker{
		cfg:    cfg,
		keys:   make(map[string]*keyState),
		logger: logger,
		now:    time.Now,
	}
}

// Allow reports whether execution for key may proceed. An open breaker
// moves to half-open once the cool-down has elapsed, letting a single
// probe through; the probe's result decides via RecordSuccess/RecordFailure.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return true
	}

	now := b.now()
	switch ks.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		// One probe at a time; a probe whose outcome never arrived is
		// treated as stale after another cool-down.
		if ks.probing && now.Sub(ks.probeAt) < b.cfg.Cooldown {
			return false
		}
		ks.probing = true
		ks.probeAt = now
		return true
	case StateOpen:
		if now.Sub(ks.openedAt) >= b.cfg.Cooldown {
			ks.state = StateHalfOpen
			ks.probing = true
			ks.probeAt = now
			b.logger.Info("Circuit breaker half-open, allowing probe",
				slog.String("key", key),
			)
			return true
		}
		return false
	}
	return true
}

// RecordSuccess notes a successful execution for key. A half-open breaker
// closes; a closed breaker's window resets.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return
	}

	if ks.state == StateHalfOpen {
		b.logger.Info("Circuit breaker closed after successful probe",
			slog.String("key", key),
		)
	}
	delete(b.keys, key)
}

// RecordFailure notes a failed execution for key. A half-open breaker
// reopens immediately; a closed breaker opens once the failure count in
// the current window reaches the threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{state: StateClosed, windowStart: now}
		b.keys[key] = ks
	}

	if ks.state == StateHalfOpen {
		ks.state = StateOpen
		ks.openedAt = now
		ks.failures = 0
		ks.windowStart = now
		ks.probing = false
		b.logger.Warn("Circuit breaker reopened after failed probe",
			slog.String("key", key),
			slog.Duration("cooldown", b.cfg.Cooldown),
		)
		return
	}

	if ks.state == StateOpen {
		return
	}

	// Window expired: start counting fresh
	if now.Sub(ks.windowStart) > b.cfg.Window {
		ks.failures = 0
		ks.windowStart = now
	}

	ks.failures++
	if ks.failures >= b.cfg.FailureThreshold {
		ks.state = StateOpen
		ks.openedAt = now
		b.logger.Warn("Circuit breaker opened",
			slog.String("key", key),
			slog.Int("failures", ks.failures),
			slog.Duration("window", b.cfg.Window),
			slog.Duration("cooldown", b.cfg.Cooldown),
		)
	}
}

// StateFor returns the current state for key
func (b *Breaker) StateFor(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ks, ok := b.keys[key]
	if !ok {
		return StateClosed
	}
	return ks.state
}

// OpenKeys returns how many keys are currently open, for readiness
// reporting
func (b *Breaker) OpenKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ks := range b.keys {
		if ks.state == StateOpen {
			n++
		}
	}
	return n
}
