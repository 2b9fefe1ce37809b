package webhook

import (
	"sync"
	"time"
)

// senderLimiter enforces a sliding 1-minute window per sender. This is an
// inbound abuse guard, independent of the outbound token bucket.
type senderLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	seen   map[int64][]time.Time

	now func() time.Time // test hook
}

func newSenderLimiter(maxPerWindow int) *senderLimiter {
	if maxPerWindow <= 0 {
		maxPerWindow = 20
	}
	return &senderLimiter{
		max:    maxPerWindow,
		window: time.Minute,
		seen:   map[int64][]time.Time{},
		now:    time.Now,
	}
}

// allow records one event for sender and reports whether it is within the
// window budget.
func (l *senderLimiter) allow(sender int64) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.seen[sender]
	// Drop entries that slid out of the window.
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	ts = ts[i:]

	if len(ts) >= l.max {
		l.seen[sender] = ts
		return false
	}
	l.seen[sender] = append(ts, now)

	// Opportunistic cleanup of idle senders to bound the map.
	if len(l.seen) > 4096 {
		for k, v := range l.seen {
			if len(v) == 0 || !v[len(v)-1].After(cutoff) {
				delete(l.seen, k)
			}
		}
	}
	return true
}
