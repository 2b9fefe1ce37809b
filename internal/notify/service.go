// Package notify composes rendered templates into outbound messages and
// owns their lifecycle until a terminal state: durable delivery through the
// queue, or an immediate synchronous send.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bookbot/internal/botapi"
	"bookbot/internal/eventbus"
	"bookbot/internal/queue"
	"bookbot/internal/template"
	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

type Config struct {
	// ChatID is the default destination when SendOpts.To is zero.
	ChatID          int64
	DefaultLanguage string
	DefaultPriority queue.Priority

	// PollInterval is the worker's idle wait between empty dequeues.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// Result reports a delivery request back to business code. Delivery
// failure is degraded-mode, not fatal: the caller's larger operation goes
// on either way.
type Result struct {
	Success         bool   `json:"success"`
	MessageID       string `json:"message_id,omitempty"`
	RemoteMessageID int    `json:"remote_message_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SendOpts tunes one templated send.
type SendOpts struct {
	Queued   bool
	Priority queue.Priority
	To       kit.ChatTarget
	Keyboard *kit.InlineKeyboard
}

type Service struct {
	cfg       Config
	log       logx.Logger
	q         *queue.Queue
	client    *botapi.Client
	templates *template.Engine
	bus       eventbus.Bus

	sent   atomic.Uint64
	failed atomic.Uint64

	emu         sync.Mutex
	lastError   string
	lastErrorAt time.Time

	wmu      sync.Mutex
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, q *queue.Queue, client *botapi.Client, templates *template.Engine, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		q:         q,
		client:    client,
		templates: templates,
		bus:       bus,
	}
}

// SendBookingNotification renders the booking_new template and delivers it
// to the configured notification chat.
func (s *Service) SendBookingNotification(ctx context.Context, data map[string]any, lang string, queued bool) Result {
	return s.SendTemplated(ctx, "booking_new", lang, data, SendOpts{Queued: queued, Priority: s.cfg.DefaultPriority})
}

// SendTemplated renders templateID and delivers the message. Template
// errors surface synchronously; such a message never enters the queue.
func (s *Service) SendTemplated(ctx context.Context, templateID, lang string, data map[string]any, opt SendOpts) Result {
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	text, err := s.templates.Render(templateID, lang, data)
	if err != nil {
		s.noteFailure(err)
		return Result{Error: err.Error()}
	}

	to := opt.To
	if to.ChatID == 0 {
		to = kit.ChatTarget{ChatID: s.cfg.ChatID}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		s.noteFailure(err)
		return Result{Error: err.Error()}
	}

	msg := &queue.OutboundMessage{
		ID:       uuid.NewString(),
		To:       to,
		Text:     text,
		Priority: opt.Priority,
		Opt:      &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, ReplyMarkup: opt.Keyboard},
		Template: &queue.TemplateMeta{ID: templateID, Language: lang, Data: raw},
	}

	if opt.Queued {
		err := s.q.Enqueue(ctx, msg)
		if err == nil {
			s.publish(eventbus.TypeQueued, msg, nil)
			return Result{Success: true, MessageID: msg.ID}
		}
		// Storage trouble must not silently drop the message; fall back to
		// a synchronous send.
		s.log.Error("enqueue failed, sending synchronously", logx.Err(err), logx.String("id", msg.ID))
	}

	ref, err := s.client.Send(ctx, msg.To, msg.Text, msg.Opt)
	if err != nil {
		s.failed.Add(1)
		s.noteFailure(err)
		s.publish(eventbus.TypeFailed, msg, err)
		return Result{MessageID: msg.ID, Error: err.Error()}
	}
	s.sent.Add(1)
	s.publish(eventbus.TypeSent, msg, nil)
	return Result{Success: true, MessageID: msg.ID, RemoteMessageID: ref.MessageID}
}

// SendAlert delivers a system_alert immediately (alerts are why the
// pipeline exists; they skip the queue).
func (s *Service) SendAlert(ctx context.Context, message string) Result {
	return s.SendTemplated(ctx, "system_alert", s.cfg.DefaultLanguage,
		map[string]any{"message": message},
		SendOpts{Queued: false, Priority: queue.PriorityCritical})
}

// Health derives the orchestrator status from recent error state and the
// downstream breaker.
type Health struct {
	Status       string                 `json:"status"` // ok | degraded
	Sent         uint64                 `json:"sent"`
	Failed       uint64                 `json:"failed"`
	LastError    string                 `json:"last_error,omitempty"`
	LastErrorAt  time.Time              `json:"last_error_at,omitempty"`
	WorkerActive bool                   `json:"worker_active"`
	Queue        queue.Metrics          `json:"queue"`
	Breaker      botapi.BreakerSnapshot `json:"breaker"`
}

func (s *Service) Health() Health {
	s.emu.Lock()
	lastErr, lastAt := s.lastError, s.lastErrorAt
	s.emu.Unlock()

	h := Health{
		Status:       "ok",
		Sent:         s.sent.Load(),
		Failed:       s.failed.Load(),
		LastError:    lastErr,
		LastErrorAt:  lastAt,
		WorkerActive: s.WorkerActive(),
		Queue:        s.q.Metrics(),
		Breaker:      s.client.Breaker(),
	}
	if h.Breaker.State != "closed" || (lastErr != "" && time.Since(lastAt) < 5*time.Minute) {
		h.Status = "degraded"
	}
	return h
}

func (s *Service) noteFailure(err error) {
	if err == nil {
		return
	}
	s.emu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.emu.Unlock()
}

func (s *Service) publish(typ string, m *queue.OutboundMessage, err error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{
		MessageID: m.ID,
		ChatID:    m.To.ChatID,
		Priority:  m.Priority.String(),
		At:        time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// DeliveryEvent is emitted on the event bus for delivery lifecycle events.
type DeliveryEvent struct {
	MessageID string    `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	Priority  string    `json:"priority"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

var errWorkerRunning = errors.New("notify: worker already running")
