package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"bookbot/internal/eventbus"
	"bookbot/internal/queue"
	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

const testSecret = "hook-secret"

func newTestServer(t *testing.T, router *Router, q *queue.Queue, bus eventbus.Bus) *Server {
	t.Helper()
	if router == nil {
		router = NewRouter(logx.Nop())
	}
	return NewServer(Config{
		Secret:     testSecret,
		AdminToken: "admin-token",
	}, router, nil, q, bus, logx.Nop())
}

func postUpdate(s *Server, body []byte, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sign {
		req.Header.Set(headerSecretToken, testSecret)
		req.Header.Set(headerSignature, Sign(body, testSecret))
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcceptsSignedUpdate(t *testing.T) {
	router := NewRouter(logx.Nop())
	dispatched := make(chan kit.CommandContext, 1)
	router.Command("start", CommandFunc(func(_ context.Context, c kit.CommandContext) error {
		dispatched <- c
		return nil
	}))
	s := newTestServer(t, router, nil, nil)

	body := []byte(`{"update_id":1,"message":{"message_id":1,"from":{"id":7},"chat":{"id":9},"text":"/start"}}`)
	rec := postUpdate(s, body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	select {
	case c := <-dispatched:
		if c.Command != "start" || c.SenderID != 7 {
			t.Fatalf("dispatched context = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("update never reached the handler")
	}
}

func TestWebhookRejectsUnsignedUpdate(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestServer(t, nil, nil, bus)

	body := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":9},"text":"hi"}}`)
	rec := postUpdate(s, body, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeSecurity {
			t.Fatalf("event type = %q, want security violation", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no security event published")
	}
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	s := newTestServer(t, nil, nil, nil)

	signed := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":9},"text":"hi"}}`)
	tampered := []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":9},"text":"EVIL"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(tampered))
	req.Header.Set(headerSecretToken, testSecret)
	req.Header.Set(headerSignature, Sign(signed, testSecret))
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookBlockedAndThrottledSenders(t *testing.T) {
	router := NewRouter(logx.Nop())
	s := NewServer(Config{
		Secret:              testSecret,
		SenderRatePerMinute: 2,
		BlockedSenders:      []int64{666},
	}, router, nil, nil, nil, logx.Nop())

	blocked := []byte(`{"update_id":1,"message":{"message_id":1,"from":{"id":666},"chat":{"id":9},"text":"/start"}}`)
	if rec := postUpdate(s, blocked, true); rec.Code != http.StatusForbidden {
		t.Fatalf("blocked sender status = %d, want 403", rec.Code)
	}

	ok := []byte(`{"update_id":2,"message":{"message_id":2,"from":{"id":5},"chat":{"id":9},"text":"/start"}}`)
	for i := 0; i < 2; i++ {
		if rec := postUpdate(s, ok, true); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if rec := postUpdate(s, ok, true); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over-budget status = %d, want 429", rec.Code)
	}
}

func TestWebhookDropsUnparseableUpdateWith200(t *testing.T) {
	s := newTestServer(t, nil, nil, nil)
	if rec := postUpdate(s, []byte(`{"update_id":3}`), true); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for an unusable but authentic payload", rec.Code)
	}
}

func TestAdminAuthAndDeadLetterEndpoints(t *testing.T) {
	q, err := queue.Open(queue.Config{Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, &queue.OutboundMessage{To: kit.ChatTarget{ChatID: 1}, Text: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	m, err := q.DequeueNext(ctx)
	if err != nil || m == nil {
		t.Fatalf("DequeueNext = (%v, %v)", m, err)
	}
	if err := q.MoveToDeadLetter(ctx, m, "permanent failure"); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}

	s := newTestServer(t, nil, q, nil)

	call := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		return rec
	}

	if rec := call(http.MethodGet, "/admin/queue/metrics", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin call = %d, want 401", rec.Code)
	}
	if rec := call(http.MethodGet, "/admin/queue/metrics", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}
	if rec := call(http.MethodGet, "/admin/queue/metrics", "admin-token"); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d, body = %s", rec.Code, rec.Body)
	}

	rec := call(http.MethodGet, "/admin/queue/dlq?limit=10", "admin-token")
	if rec.Code != http.StatusOK {
		t.Fatalf("dlq list = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("permanent failure")) {
		t.Fatalf("dlq list body = %s", rec.Body)
	}

	if rec := call(http.MethodPost, "/admin/queue/dlq/1/requeue", "admin-token"); rec.Code != http.StatusOK {
		t.Fatalf("requeue = %d, body = %s", rec.Code, rec.Body)
	}
	if rec := call(http.MethodPost, "/admin/queue/dlq/999/requeue", "admin-token"); rec.Code != http.StatusNotFound {
		t.Fatalf("requeue missing = %d, want 404", rec.Code)
	}
	if rec := call(http.MethodDelete, "/admin/queue/dlq", "admin-token"); rec.Code != http.StatusOK {
		t.Fatalf("dlq clear = %d", rec.Code)
	}
}
