package resilience

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("upstream dial refused")

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(Config{Name: "upstream"})
	if b.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", b.maxFailures)
	}
	if b.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", b.resetTimeout)
	}
	if b.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", b.halfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	b := NewBreaker(Config{Name: "upstream", MaxFailures: 3})
	called := false
	if err := b.Do(func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "upstream",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	for range 3 {
		_ = b.Do(func() error { return errDial })
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	err := b.Do(func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(Config{Name: "upstream", MaxFailures: 3})

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after success", b.State())
	}

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	if b.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestBreaker_OpenToHalfOpenAfterTimeout(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "upstream",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after timeout", b.State())
	}
}

func TestBreaker_ClosesAfterSuccessfulProbes(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "upstream",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	time.Sleep(15 * time.Millisecond)

	for i := range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreaker_ReopensOnProbeFailure(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "upstream",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	time.Sleep(15 * time.Millisecond)

	if err := b.Do(func() error { return errDial }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	// lastFailure was just refreshed, so the raw state must be open.
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", s)
	}
}

func TestBreaker_ManualReset(t *testing.T) {
	b := NewBreaker(Config{
		Name:         "upstream",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = b.Do(func() error { return errDial })
	_ = b.Do(func() error { return errDial })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
