package botapi

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(3, 30*time.Second)
	fail := errors.New("boom")

	for i := 0; i < 2; i++ {
		if !b.allow() {
			t.Fatalf("allow() = false before threshold (failure %d)", i)
		}
		b.record(fail)
	}

	// A success in between resets the consecutive counter.
	if !b.allow() {
		t.Fatal("allow() = false while closed")
	}
	b.record(nil)
	if got := b.snapshot(); got.State != "closed" || got.Failures != 0 {
		t.Fatalf("snapshot after success = %+v", got)
	}

	for i := 0; i < 3; i++ {
		b.allow()
		b.record(fail)
	}
	if got := b.snapshot(); got.State != "open" {
		t.Fatalf("snapshot after threshold = %+v, want open", got)
	}
	if b.allow() {
		t.Fatal("allow() = true while open")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := newBreaker(1, 30*time.Second)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	b.allow()
	b.record(errors.New("boom"))
	if b.allow() {
		t.Fatal("allow() = true right after opening")
	}

	// Timeout elapses: exactly one probe passes.
	now = now.Add(31 * time.Second)
	if !b.allow() {
		t.Fatal("allow() = false after timeout, want half-open probe")
	}
	if b.allow() {
		t.Fatal("second concurrent probe allowed in half-open")
	}

	// Probe failure re-opens and restarts the timeout.
	b.record(errors.New("still down"))
	if b.allow() {
		t.Fatal("allow() = true right after failed probe")
	}

	now = now.Add(31 * time.Second)
	if !b.allow() {
		t.Fatal("allow() = false after second timeout")
	}
	b.record(nil)
	if got := b.snapshot(); got.State != "closed" {
		t.Fatalf("snapshot after successful probe = %+v, want closed", got)
	}
	if !b.allow() {
		t.Fatal("allow() = false after recovery")
	}
}
