package circuitbreaker

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(c.now), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.Failure("agent.example.com")
	b.Failure("agent.example.com")
	if !b.Allow("agent.example.com") {
		t.Fatal("should still allow before threshold")
	}

	b.Failure("agent.example.com")
	if b.Allow("agent.example.com") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("agent.example.com") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("agent.example.com"))
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, c := newTestBreaker(2)
	b.Failure("h")
	b.Failure("h")

	c.advance(59 * time.Second)
	if b.Allow("h") {
		t.Fatal("should stay open during cooldown")
	}

	c.advance(time.Second)
	if !b.Allow("h") {
		t.Fatal("should allow one trial probe after cooldown")
	}
	if b.State("h") != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State("h"))
	}
	if b.Allow("h") {
		t.Fatal("only one trial probe while half-open")
	}
}

func TestBreaker_TrialOutcome(t *testing.T) {
	b, c := newTestBreaker(2)
	b.Failure("h")
	b.Failure("h")
	c.advance(time.Minute)
	b.Allow("h")

	b.Failure("h")
	if b.State("h") != StateOpen {
		t.Fatalf("failed trial should reopen, got %v", b.State("h"))
	}

	c.advance(time.Minute)
	b.Allow("h")
	b.Success("h")
	if b.State("h") != StateClosed || !b.Allow("h") {
		t.Fatalf("successful trial should close, got %v", b.State("h"))
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.Failure("h")
	b.Failure("h")
	b.Success("h")
	b.Failure("h")
	if !b.Allow("h") {
		t.Fatal("counter should reset on success")
	}
}

func TestBreaker_HostsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.Failure("down.example.com")
	if b.Allow("down.example.com") {
		t.Fatal("down host should be open")
	}
	if !b.Allow("up.example.com") || b.State("up.example.com") != StateClosed {
		t.Fatal("other host should be unaffected")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
