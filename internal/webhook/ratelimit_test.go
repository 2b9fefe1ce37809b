package webhook

import (
	"testing"
	"time"
)

func TestSenderLimiterSlidingWindow(t *testing.T) {
	l := newSenderLimiter(3)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.allow(1) {
			t.Fatalf("request %d rejected under the budget", i)
		}
	}
	if l.allow(1) {
		t.Fatal("request over the budget allowed")
	}

	// Another sender has its own budget.
	if !l.allow(2) {
		t.Fatal("independent sender throttled")
	}

	// Half the window later the budget is still spent.
	now = now.Add(30 * time.Second)
	if l.allow(1) {
		t.Fatal("budget refreshed before the window slid")
	}

	// Once the first events slide out, capacity frees up one by one.
	now = now.Add(31 * time.Second)
	if !l.allow(1) {
		t.Fatal("budget not refreshed after the window slid")
	}
}

func TestSenderLimiterDefaults(t *testing.T) {
	l := newSenderLimiter(0)
	if l.max != 20 {
		t.Fatalf("default max = %d, want 20", l.max)
	}
}
