package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/hospiq/careloop/internal/resilience"
)

var errBoom = errors.New("boom")

func newBreaker(maxFailures int, resetTimeout time.Duration) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: resetTimeout,
		HalfOpenMax:  2,
	})
}

func fail(cb *resilience.CircuitBreaker) error {
	return cb.Execute(func() error { return errBoom })
}

func succeed(cb *resilience.CircuitBreaker) error {
	return cb.Execute(func() error { return nil })
}

func TestClosedForwardsCalls(t *testing.T) {
	t.Parallel()
	cb := newBreaker(3, time.Minute)

	if err := succeed(cb); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if err := fail(cb); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() error = %v, want errBoom", err)
	}
	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := newBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := fail(cb); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: error = %v", i, err)
		}
	}
	if got := cb.State(); got != resilience.StateOpen {
		t.Fatalf("State() = %s, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Execute() while open error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn was invoked while the breaker was open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb := newBreaker(3, time.Minute)

	_ = fail(cb)
	_ = fail(cb)
	_ = succeed(cb)
	_ = fail(cb)
	_ = fail(cb)

	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("State() = %s, want closed (success reset the count)", got)
	}
}

func TestHalfOpenClosesAfterProbes(t *testing.T) {
	t.Parallel()
	cb := newBreaker(1, 20*time.Millisecond)

	_ = fail(cb)
	if got := cb.State(); got != resilience.StateOpen {
		t.Fatalf("State() = %s, want open", got)
	}

	time.Sleep(30 * time.Millisecond)
	if got := cb.State(); got != resilience.StateHalfOpen {
		t.Fatalf("State() after reset timeout = %s, want half-open", got)
	}

	// HalfOpenMax is 2; two successful probes close the breaker.
	if err := succeed(cb); err != nil {
		t.Fatalf("probe 1 error = %v", err)
	}
	if err := succeed(cb); err != nil {
		t.Fatalf("probe 2 error = %v", err)
	}
	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("State() = %s, want closed after successful probes", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	cb := newBreaker(1, 20*time.Millisecond)

	_ = fail(cb)
	time.Sleep(30 * time.Millisecond)

	if err := fail(cb); !errors.Is(err, errBoom) {
		t.Fatalf("probe error = %v, want errBoom", err)
	}
	if got := cb.State(); got != resilience.StateOpen {
		t.Errorf("State() = %s, want open after failed probe", got)
	}
	if err := succeed(cb); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
}

func TestResetClosesBreaker(t *testing.T) {
	t.Parallel()
	cb := newBreaker(1, time.Minute)

	_ = fail(cb)
	if got := cb.State(); got != resilience.StateOpen {
		t.Fatalf("State() = %s, want open", got)
	}

	cb.Reset()
	if got := cb.State(); got != resilience.StateClosed {
		t.Errorf("State() = %s, want closed after Reset", got)
	}
	if err := succeed(cb); err != nil {
		t.Errorf("Execute() after Reset error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	cases := map[resilience.State]string{
		resilience.StateClosed:   "closed",
		resilience.StateOpen:     "open",
		resilience.StateHalfOpen: "half-open",
		resilience.State(42):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
