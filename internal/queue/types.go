// Package queue persists outbound messages across four priority lanes and
// owns their storage/ordering until a terminal state.
package queue

import (
	"encoding/json"
	"errors"
	"time"

	kit "bookbot/internal/transport"
)

var (
	ErrClosed   = errors.New("queue: closed")
	ErrNotFound = errors.New("queue: message not found")
)

// Priority orders the four lanes. Lower value dequeues first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Status transitions are monotonic except retrying -> pending (requeue).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// TemplateMeta lets the worker re-render a message on retry instead of
// resending a possibly stale body.
type TemplateMeta struct {
	ID       string          `json:"id"`
	Language string          `json:"language"`
	Data     json.RawMessage `json:"data"`
}

type OutboundMessage struct {
	ID   string
	To   kit.ChatTarget
	Text string
	Opt  *kit.SendOptions

	Priority   Priority
	Status     Status
	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	ScheduledAt time.Time
	ClaimedAt   time.Time
	SentAt      time.Time
	LastError   string

	Template *TemplateMeta
}

// DeadLetterEntry snapshots a message whose retry budget is exhausted.
// Entries are append-only until manually requeued or purged.
type DeadLetterEntry struct {
	Seq        int64
	Message    OutboundMessage
	Reason     string
	FailedAt   time.Time
	RetryCount int
}

// Metrics is derived on demand from incrementally maintained counters.
type Metrics struct {
	Pending         int64     `json:"pending"`
	Processing      int64     `json:"processing"`
	Retrying        int64     `json:"retrying"`
	DeadLettered    int64     `json:"dead_lettered"`
	TotalProcessed  int64     `json:"total_processed"`
	TotalFailed     int64     `json:"total_failed"`
	AvgProcessingMS float64   `json:"avg_processing_ms"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Config controls retry policy and storage.
//
// Retry delay for attempt n (1-based) is:
//
//	min(RetryBase * RetryFactor^(n-1), RetryMaxDelay)
type Config struct {
	Path string

	MaxRetries    int
	RetryBase     time.Duration
	RetryFactor   float64
	RetryMaxDelay time.Duration

	BusyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryFactor < 1 {
		c.RetryFactor = 2
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	return c
}

// RetryDelay computes the backoff before attempt n (n >= 1).
// The sequence is non-decreasing and bounded by RetryMaxDelay.
func (c Config) RetryDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.RetryBase)
	for i := 1; i < n; i++ {
		d *= c.RetryFactor
		if d >= float64(c.RetryMaxDelay) {
			return c.RetryMaxDelay
		}
	}
	if d > float64(c.RetryMaxDelay) {
		return c.RetryMaxDelay
	}
	return time.Duration(d)
}
