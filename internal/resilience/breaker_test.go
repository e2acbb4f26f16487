package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackendDown = errors.New("backend down")

func failAlways() error { return errBackendDown }
func succeed() error    { return nil }

// tripBreaker drives b to the open state with consecutive failures.
func tripBreaker(t *testing.T, b *Breaker, failures int) {
	t.Helper()
	for range failures {
		_ = b.Do(failAlways)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v after %d failures, want open", b.State(), failures)
	}
}

func TestBreakerDefaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Label: "openai"})
	if b.tripAfter != 5 || b.cooldown != 30*time.Second || b.probeQuota != 3 {
		t.Errorf("defaults = trip %d, cooldown %v, quota %d", b.tripAfter, b.cooldown, b.probeQuota)
	}
	if b.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreakerTripsOnFailStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Label: "openai", TripAfter: 3, Cooldown: time.Hour})
	tripBreaker(t, b, 3)

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Error("open breaker invoked the call anyway")
	}
}

func TestBreakerSuccessClearsStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Label: "openai", TripAfter: 3})
	_ = b.Do(failAlways)
	_ = b.Do(failAlways)
	if err := b.Do(succeed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The streak restarted, so two more failures must not trip it.
	_ = b.Do(failAlways)
	_ = b.Do(failAlways)
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after interleaved success", b.State())
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Label: "openai", TripAfter: 2, Cooldown: 10 * time.Millisecond, ProbeQuota: 2})
	tripBreaker(t, b, 2)

	time.Sleep(15 * time.Millisecond)
	if b.State() != BreakerProbing {
		t.Fatalf("state = %v, want probing after cooldown", b.State())
	}

	// Enough successful probes close the breaker again.
	for i := range 2 {
		if err := b.Do(succeed); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Label: "openai", TripAfter: 2, Cooldown: 10 * time.Millisecond, ProbeQuota: 3})
	tripBreaker(t, b, 2)

	time.Sleep(15 * time.Millisecond)
	if err := b.Do(failAlways); !errors.Is(err, errBackendDown) {
		t.Fatalf("probe err = %v, want the backend error", err)
	}

	// Freshly failed, so the cooldown clock restarted.
	if err := b.Do(succeed); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen after failed probe", err)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Label: "openai", TripAfter: 2, Cooldown: time.Hour})
	tripBreaker(t, b, 2)

	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreakerStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerProbing, "probing"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
