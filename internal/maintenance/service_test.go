package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bookbot/internal/queue"
	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

func TestNewRejectsBadSchedules(t *testing.T) {
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	defer q.Close()

	if _, err := New(Config{PruneSchedule: "not a cron spec"}, q, logx.Nop()); err == nil {
		t.Fatal("invalid prune schedule accepted")
	}
	if _, err := New(Config{Timezone: "Mars/Olympus"}, q, logx.Nop()); err == nil {
		t.Fatal("invalid timezone accepted")
	}
	if _, err := New(Config{}, q, logx.Nop()); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}

func TestPruneRemovesOldSentMessages(t *testing.T) {
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, &queue.OutboundMessage{To: kit.ChatTarget{ChatID: 1}, Text: "done"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m, _ := q.DequeueNext(ctx)
	if err := q.MarkSent(ctx, m); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	s, err := New(Config{Enabled: true, Retention: -time.Second}, q, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Retention <= 0 falls back to the 7-day default.
	if s.cfg.Retention != 7*24*time.Hour {
		t.Fatalf("retention = %v", s.cfg.Retention)
	}

	s.cfg.Retention = -time.Second
	s.prune()

	n, err := q.PruneSent(ctx, -time.Second)
	if err != nil {
		t.Fatalf("PruneSent: %v", err)
	}
	if n != 0 {
		t.Fatalf("prune left %d rows behind", n)
	}
}
