// Package resilience shields the generation path from flaky LLM backends.
// Each backend sits behind a [Breaker]; [LLMFallback] walks the configured
// backends in preference order, skipping any whose breaker is open.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is a [Breaker]'s current operating mode.
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects every call until the cooldown elapses.
	BreakerOpen

	// BreakerProbing admits a limited number of calls after the cooldown.
	// Enough successes close the breaker; a single failure re-opens it.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Label identifies the breaker in logs, typically the backend name.
	Label string

	// TripAfter is the consecutive-failure count that opens the breaker.
	// Default 5.
	TripAfter int

	// Cooldown is how long the breaker stays open before probing.
	// Default 30s.
	Cooldown time.Duration

	// ProbeQuota is how many calls the probing state admits. Default 3.
	ProbeQuota int

	// Logger for state transitions. Defaults to slog.Default().
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	label      string
	tripAfter  int
	cooldown   time.Duration
	probeQuota int
	log        *slog.Logger

	mu          sync.Mutex
	state       BreakerState
	failStreak  int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker returns a closed [Breaker] configured by cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		label:      cfg.Label,
		tripAfter:  cfg.TripAfter,
		cooldown:   cfg.Cooldown,
		probeQuota: cfg.ProbeQuota,
		log:        cfg.Logger,
	}
}

// Do runs fn unless the breaker refuses the call. An open breaker returns
// [ErrBreakerOpen] without invoking fn; a probing breaker admits at most
// ProbeQuota calls.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probes = 0
		b.probeFails = 0
		b.log.Info("breaker probing", "label", b.label)

	case BreakerProbing:
		if b.probes >= b.probeQuota {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}

	probing := b.state == BreakerProbing
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates state after a failed call. Caller holds mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		// One bad probe is enough evidence the backend is still down.
		b.probeFails++
		b.state = BreakerOpen
		b.failStreak = b.tripAfter
		b.log.Warn("breaker re-opened", "label", b.label)
		return
	}

	b.failStreak++
	if b.failStreak >= b.tripAfter {
		b.state = BreakerOpen
		b.log.Warn("breaker opened", "label", b.label, "fail_streak", b.failStreak)
	}
}

// onSuccess updates state after a successful call. Caller holds mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeQuota {
			b.state = BreakerClosed
			b.failStreak = 0
			b.probes = 0
			b.probeFails = 0
			b.log.Info("breaker closed", "label", b.label)
		}
		return
	}
	b.failStreak = 0
}

// State reports the current mode. An open breaker whose cooldown has elapsed
// reports probing; the actual transition happens on the next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failStreak = 0
	b.probes = 0
	b.probeFails = 0
	b.log.Info("breaker reset", "label", b.label)
}
