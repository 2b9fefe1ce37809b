package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bookbot/internal/botapi"
	"bookbot/internal/eventbus"
	"bookbot/internal/queue"
	"bookbot/internal/template"
	logx "bookbot/pkg/logx"
)

type testStack struct {
	svc *Service
	q   *queue.Queue
	bus eventbus.Bus
}

func newTestStack(t *testing.T, handler http.Handler) *testStack {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := botapi.New(botapi.Config{
		Token:             "test-token",
		BaseURL:           srv.URL,
		RequestsPerMinute: 6000,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("botapi.New: %v", err)
	}

	q, err := queue.Open(queue.Config{
		Path:       filepath.Join(t.TempDir(), "q.db"),
		MaxRetries: 2,
		RetryBase:  time.Minute,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	engine, err := template.New(template.Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("template.New: %v", err)
	}

	bus := eventbus.New()
	svc := New(Config{
		ChatID:       1001,
		PollInterval: 10 * time.Millisecond,
	}, q, client, engine, bus, logx.Nop())
	return &testStack{svc: svc, q: q, bus: bus}
}

func sendOK(hits chan<- string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChatID int64  `json:"chat_id"`
			Text   string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if hits != nil {
			hits <- req.Text
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": 321, "chat": map[string]any{"id": req.ChatID}},
		})
	}
}

func sendReject(code int, desc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": code, "description": desc})
	}
}

func bookingData() map[string]any {
	return map[string]any{
		"service":     "Sauna",
		"date":        "01.09.2025",
		"times":       []string{"10:00-11:00"},
		"clientName":  "Ann",
		"clientPhone": "+1234567",
		"peopleCount": 2,
		"totalPrice":  1000,
		"bookingId":   42,
	}
}

func TestSendBookingNotificationImmediate(t *testing.T) {
	hits := make(chan string, 1)
	st := newTestStack(t, sendOK(hits))

	res := st.svc.SendBookingNotification(context.Background(), bookingData(), "en", false)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.RemoteMessageID != 321 {
		t.Fatalf("remote id = %d, want 321", res.RemoteMessageID)
	}

	select {
	case text := <-hits:
		if !strings.Contains(text, "#42") {
			t.Fatalf("delivered text missing booking id:\n%s", text)
		}
	default:
		t.Fatal("no API call made")
	}

	// An immediate send never touches the queue.
	if m := st.q.Metrics(); m.Pending != 0 {
		t.Fatalf("queue metrics after immediate send = %+v", m)
	}
}

func TestTemplateErrorNeverEnqueues(t *testing.T) {
	st := newTestStack(t, sendOK(nil))

	data := bookingData()
	delete(data, "clientPhone")
	res := st.svc.SendBookingNotification(context.Background(), data, "en", true)
	if res.Success {
		t.Fatal("invalid data reported success")
	}
	if !strings.Contains(res.Error, "clientPhone") {
		t.Fatalf("error does not name the field: %s", res.Error)
	}
	if m := st.q.Metrics(); m.Pending != 0 {
		t.Fatalf("broken message entered the queue: %+v", m)
	}
}

func TestQueuedDeliveryThroughWorker(t *testing.T) {
	hits := make(chan string, 1)
	st := newTestStack(t, sendOK(hits))
	ctx := context.Background()

	events, unsub := st.bus.Subscribe(8)
	defer unsub()

	res := st.svc.SendBookingNotification(ctx, bookingData(), "en", true)
	if !res.Success || res.MessageID == "" {
		t.Fatalf("result = %+v", res)
	}

	// Enqueue happened without network I/O.
	select {
	case <-hits:
		t.Fatal("queued send hit the API synchronously")
	default:
	}
	waitEvent(t, events, eventbus.TypeQueued)

	if err := st.svc.StartWorker(ctx); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer st.svc.StopWorker(ctx)

	select {
	case text := <-hits:
		if !strings.Contains(text, "Sauna") {
			t.Fatalf("delivered text:\n%s", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker never delivered the queued message")
	}
	waitEvent(t, events, eventbus.TypeSent)

	waitFor(t, func() bool { return st.q.Metrics().TotalProcessed == 1 })
}

func TestWorkerDeadLettersPermanentFailures(t *testing.T) {
	st := newTestStack(t, sendReject(403, "Forbidden: bot was blocked by the user"))
	ctx := context.Background()

	events, unsub := st.bus.Subscribe(8)
	defer unsub()

	if res := st.svc.SendBookingNotification(ctx, bookingData(), "en", true); !res.Success {
		t.Fatalf("enqueue result = %+v", res)
	}

	if err := st.svc.StartWorker(ctx); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer st.svc.StopWorker(ctx)

	waitEvent(t, events, eventbus.TypeDeadLetter)
	waitFor(t, func() bool { return st.q.Metrics().DeadLettered == 1 })

	entries, err := st.q.DeadLetter(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("DeadLetter = (%v, %v)", entries, err)
	}
	// One attempt, no retries burned on a permanent error.
	if entries[0].Message.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", entries[0].Message.RetryCount)
	}
}

func TestWorkerSchedulesRetryOnTransientFailure(t *testing.T) {
	st := newTestStack(t, sendReject(500, "Internal Server Error"))
	ctx := context.Background()

	events, unsub := st.bus.Subscribe(8)
	defer unsub()

	if res := st.svc.SendBookingNotification(ctx, bookingData(), "en", true); !res.Success {
		t.Fatalf("enqueue result = %+v", res)
	}
	if err := st.svc.StartWorker(ctx); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	defer st.svc.StopWorker(ctx)

	waitEvent(t, events, eventbus.TypeFailed)
	waitFor(t, func() bool { return st.q.Metrics().Retrying == 1 })
	// The backoff (1m base) keeps the message out of reach, so the worker
	// must not spin on it.
	if m := st.q.Metrics(); m.DeadLettered != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestSendAlertBypassesQueue(t *testing.T) {
	hits := make(chan string, 1)
	st := newTestStack(t, sendOK(hits))

	res := st.svc.SendAlert(context.Background(), "database unreachable")
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	select {
	case text := <-hits:
		if !strings.Contains(text, "database unreachable") {
			t.Fatalf("alert text:\n%s", text)
		}
	default:
		t.Fatal("alert did not reach the API")
	}
}

func TestHealthReflectsBreakerAndErrors(t *testing.T) {
	st := newTestStack(t, sendOK(nil))

	h := st.svc.Health()
	if h.Status != "ok" || h.WorkerActive {
		t.Fatalf("initial health = %+v", h)
	}

	// A recent failure degrades the status.
	data := bookingData()
	delete(data, "service")
	_ = st.svc.SendBookingNotification(context.Background(), data, "en", false)

	h = st.svc.Health()
	if h.Status != "degraded" || h.LastError == "" {
		t.Fatalf("health after failure = %+v", h)
	}
}

func TestStartWorkerIsExclusive(t *testing.T) {
	st := newTestStack(t, sendOK(nil))
	ctx := context.Background()

	if err := st.svc.StartWorker(ctx); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	if err := st.svc.StartWorker(ctx); err != errWorkerRunning {
		t.Fatalf("second StartWorker = %v, want errWorkerRunning", err)
	}
	st.svc.StopWorker(ctx)
	if st.svc.WorkerActive() {
		t.Fatal("worker reported active after stop")
	}

	// Stopped workers can be started again.
	if err := st.svc.StartWorker(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st.svc.StopWorker(ctx)
}

func waitEvent(t *testing.T, events <-chan eventbus.Event, typ string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return
			}
		case <-deadline:
			t.Fatalf("event %q never arrived", typ)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
