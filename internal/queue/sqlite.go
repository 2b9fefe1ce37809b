package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Queue is the SQLite-backed durable priority queue.
//
// The database is the single source of truth for message state; the lane
// counters are kept in memory for O(1) metrics reads and reconciled from
// the database at open. Totals survive restarts via the counters table.
type Queue struct {
	cfg Config
	log logx.Logger
	db  *sql.DB

	mu             sync.Mutex
	closed         bool
	pending        int64
	processing     int64
	retrying       int64
	deadLettered   int64
	totalProcessed int64
	totalFailed    int64
	avgMS          float64
	updatedAt      time.Time
}

func Open(cfg Config, log logx.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue: path is required")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	q := &Queue{cfg: cfg, log: log, db: db}
	if err := q.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := q.recover(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, string(b))
	return err
}

// recover releases claims left over from a crash and reconciles counters.
func (q *Queue) recover(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE messages SET status=?, claimed_at=NULL WHERE status=?`,
		StatusPending, StatusProcessing); err != nil {
		return err
	}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return err
	}
	defer rows.Close()

	q.mu.Lock()
	defer q.mu.Unlock()
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return err
		}
		switch Status(st) {
		case StatusPending:
			q.pending = n
		case StatusRetrying:
			q.retrying = n
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter`).Scan(&q.deadLettered); err != nil {
		return err
	}
	if err := q.db.QueryRowContext(ctx,
		`SELECT total_processed, total_failed, avg_processing_ms FROM counters WHERE id=1`,
	).Scan(&q.totalProcessed, &q.totalFailed, &q.avgMS); err != nil {
		return err
	}
	q.updatedAt = time.Now()
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.db.Close()
}

// Enqueue stores m in its priority lane. Missing fields (id, timestamps,
// status, max retries) are filled in.
func (q *Queue) Enqueue(ctx context.Context, m *OutboundMessage) error {
	if m == nil {
		return errors.New("queue: nil message")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.ScheduledAt.IsZero() {
		m.ScheduledAt = m.CreatedAt
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = q.cfg.MaxRetries
	}
	if m.Status == "" {
		m.Status = StatusPending
	}

	opt, err := marshalOptions(m.Opt)
	if err != nil {
		return err
	}
	tplID, tplLang, tplData := marshalTemplate(m.Template)

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO messages(id, chat_id, body, options, priority, status, retry_count, max_retries,
		                      created_at, scheduled_at, last_error, template_id, template_lang, template_data)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.To.ChatID, m.Text, opt, int(m.Priority), string(m.Status), m.RetryCount, m.MaxRetries,
		m.CreatedAt.UnixMilli(), m.ScheduledAt.UnixMilli(), nullStr(m.LastError), tplID, tplLang, tplData)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.mu.Lock()
	switch m.Status {
	case StatusRetrying:
		q.retrying++
	default:
		q.pending++
	}
	q.updatedAt = now
	q.mu.Unlock()
	return nil
}

// DequeueNext claims the oldest due message from the highest non-empty
// lane and marks it processing atomically. Entries scheduled in the future
// (pending retries) are skipped. Returns (nil, nil) when nothing is due.
func (q *Queue) DequeueNext(ctx context.Context) (*OutboundMessage, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, chat_id, body, options, priority, status, retry_count, max_retries,
		        created_at, scheduled_at, last_error, template_id, template_lang, template_data
		 FROM messages
		 WHERE status IN (?,?) AND scheduled_at <= ?
		 ORDER BY priority ASC, scheduled_at ASC, created_at ASC
		 LIMIT 1`,
		StatusPending, StatusRetrying, now.UnixMilli())

	m, prev, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status=?, claimed_at=? WHERE id=? AND status=?`,
		StatusProcessing, now.UnixMilli(), m.ID, string(prev))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Claimed by a concurrent worker between SELECT and UPDATE.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	m.Status = StatusProcessing
	m.ClaimedAt = now

	q.mu.Lock()
	if prev == StatusRetrying {
		q.retrying--
	} else {
		q.pending--
	}
	q.processing++
	q.updatedAt = now
	q.mu.Unlock()
	return m, nil
}

// MarkSent finalizes a successful delivery and folds the processing time
// into the rolling average.
func (q *Queue) MarkSent(ctx context.Context, m *OutboundMessage) error {
	now := time.Now()
	var tookMS float64
	if !m.ClaimedAt.IsZero() {
		tookMS = float64(now.Sub(m.ClaimedAt).Milliseconds())
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status=?, sent_at=?, last_error=NULL WHERE id=?`,
		StatusSent, now.UnixMilli(), m.ID); err != nil {
		return err
	}

	q.mu.Lock()
	avg := q.avgMS
	q.mu.Unlock()
	// Exponentially weighted rolling average.
	if avg == 0 {
		avg = tookMS
	} else {
		avg = avg*0.9 + tookMS*0.1
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE counters SET total_processed = total_processed + 1, avg_processing_ms = ? WHERE id=1`,
		avg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.Status = StatusSent
	m.SentAt = now

	q.mu.Lock()
	q.processing--
	q.totalProcessed++
	q.avgMS = avg
	q.updatedAt = now
	q.mu.Unlock()
	return nil
}

// MarkFailed records a transient failure. The message is rescheduled with
// exponential backoff (or the server's retry-after hint if larger) until
// the retry budget is exhausted, at which point it moves to the dead
// letter and requeued=false is returned.
func (q *Queue) MarkFailed(ctx context.Context, m *OutboundMessage, cause string, retryAfter time.Duration) (requeued bool, err error) {
	m.RetryCount++
	m.LastError = cause

	if m.RetryCount > m.MaxRetries {
		if err := q.MoveToDeadLetter(ctx, m, cause); err != nil {
			return false, err
		}
		return false, nil
	}

	delay := q.cfg.RetryDelay(m.RetryCount)
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > q.cfg.RetryMaxDelay {
		delay = q.cfg.RetryMaxDelay
	}
	now := time.Now()
	next := now.Add(delay)

	_, err = q.db.ExecContext(ctx,
		`UPDATE messages SET status=?, retry_count=?, scheduled_at=?, last_error=?, claimed_at=NULL WHERE id=?`,
		StatusRetrying, m.RetryCount, next.UnixMilli(), cause, m.ID)
	if err != nil {
		return false, err
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE counters SET total_failed = total_failed + 1 WHERE id=1`); err != nil {
		return false, err
	}

	m.Status = StatusRetrying
	m.ScheduledAt = next

	q.mu.Lock()
	q.processing--
	q.retrying++
	q.totalFailed++
	q.updatedAt = now
	q.mu.Unlock()
	return true, nil
}

// MoveToDeadLetter removes m from its lane and appends a snapshot to the
// dead letter. Used for exhausted retries and permanent delivery errors.
func (q *Queue) MoveToDeadLetter(ctx context.Context, m *OutboundMessage, reason string) error {
	now := time.Now()
	prev := m.Status
	m.Status = StatusDeadLetter
	m.LastError = reason

	snap, err := json.Marshal(m)
	if err != nil {
		return err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id=?`, m.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letter(message_json, reason, failed_at, retry_count) VALUES(?,?,?,?)`,
		string(snap), reason, now.UnixMilli(), m.RetryCount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE counters SET total_failed = total_failed + 1 WHERE id=1`); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	q.mu.Lock()
	switch prev {
	case StatusProcessing:
		q.processing--
	case StatusRetrying:
		q.retrying--
	case StatusPending:
		q.pending--
	}
	q.deadLettered++
	q.totalFailed++
	q.updatedAt = now
	q.mu.Unlock()

	q.log.Warn("message dead-lettered",
		logx.String("id", m.ID),
		logx.Int64("chat_id", m.To.ChatID),
		logx.Int("retries", m.RetryCount),
		logx.String("reason", reason))
	return nil
}

// Metrics returns the current counters. O(1): no table scans.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Pending:         q.pending,
		Processing:      q.processing,
		Retrying:        q.retrying,
		DeadLettered:    q.deadLettered,
		TotalProcessed:  q.totalProcessed,
		TotalFailed:     q.totalFailed,
		AvgProcessingMS: q.avgMS,
		UpdatedAt:       q.updatedAt,
	}
}

// DeadLetter lists up to limit entries, oldest first.
func (q *Queue) DeadLetter(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, message_json, reason, failed_at, retry_count FROM dead_letter ORDER BY seq ASC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetterEntry
	for rows.Next() {
		var (
			e       DeadLetterEntry
			msgJSON string
			ms      int64
		)
		if err := rows.Scan(&e.Seq, &msgJSON, &e.Reason, &ms, &e.RetryCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(msgJSON), &e.Message); err != nil {
			return nil, fmt.Errorf("queue: corrupt dead-letter entry %d: %w", e.Seq, err)
		}
		e.FailedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RequeueDeadLetter moves entry seq back to its lane with a fresh retry
// budget.
func (q *Queue) RequeueDeadLetter(ctx context.Context, seq int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var msgJSON string
	err = tx.QueryRowContext(ctx, `SELECT message_json FROM dead_letter WHERE seq=?`, seq).Scan(&msgJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var m OutboundMessage
	if err := json.Unmarshal([]byte(msgJSON), &m); err != nil {
		return fmt.Errorf("queue: corrupt dead-letter entry %d: %w", seq, err)
	}

	now := time.Now()
	m.Status = StatusPending
	m.RetryCount = 0
	m.ScheduledAt = now
	m.LastError = ""

	opt, err := marshalOptions(m.Opt)
	if err != nil {
		return err
	}
	tplID, tplLang, tplData := marshalTemplate(m.Template)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(id, chat_id, body, options, priority, status, retry_count, max_retries,
		                      created_at, scheduled_at, template_id, template_lang, template_data)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.To.ChatID, m.Text, opt, int(m.Priority), string(m.Status), 0, m.MaxRetries,
		m.CreatedAt.UnixMilli(), now.UnixMilli(), tplID, tplLang, tplData); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE seq=?`, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	q.mu.Lock()
	q.deadLettered--
	q.pending++
	q.updatedAt = now
	q.mu.Unlock()
	return nil
}

// ClearDeadLetter purges all entries.
func (q *Queue) ClearDeadLetter(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM dead_letter`); err != nil {
		return err
	}
	q.mu.Lock()
	q.deadLettered = 0
	q.updatedAt = time.Now()
	q.mu.Unlock()
	return nil
}

// PruneSent removes sent messages older than the retention window.
// Returns the number of pruned rows.
func (q *Queue) PruneSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM messages WHERE status=? AND sent_at IS NOT NULL AND sent_at < ?`,
		StatusSent, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- row helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*OutboundMessage, Status, error) {
	var (
		m         OutboundMessage
		opt       sql.NullString
		status    string
		prio      int
		createdMS int64
		schedMS   int64
		lastErr   sql.NullString
		tplID     sql.NullString
		tplLang   sql.NullString
		tplData   sql.NullString
	)
	err := row.Scan(&m.ID, &m.To.ChatID, &m.Text, &opt, &prio, &status, &m.RetryCount, &m.MaxRetries,
		&createdMS, &schedMS, &lastErr, &tplID, &tplLang, &tplData)
	if err != nil {
		return nil, "", err
	}
	m.Priority = Priority(prio)
	m.Status = Status(status)
	m.CreatedAt = time.UnixMilli(createdMS)
	m.ScheduledAt = time.UnixMilli(schedMS)
	m.LastError = lastErr.String

	if opt.Valid && opt.String != "" {
		var o kit.SendOptions
		if err := json.Unmarshal([]byte(opt.String), &o); err != nil {
			return nil, "", fmt.Errorf("queue: corrupt options for %s: %w", m.ID, err)
		}
		m.Opt = &o
	}
	if tplID.Valid && tplID.String != "" {
		m.Template = &TemplateMeta{ID: tplID.String, Language: tplLang.String}
		if tplData.Valid && tplData.String != "" {
			m.Template.Data = json.RawMessage(tplData.String)
		}
	}
	return &m, Status(status), nil
}

func marshalOptions(o *kit.SendOptions) (any, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal options: %w", err)
	}
	return string(b), nil
}

func marshalTemplate(t *TemplateMeta) (id, lang, data any) {
	if t == nil {
		return nil, nil, nil
	}
	id = t.ID
	lang = nullStr(t.Language)
	if len(t.Data) > 0 {
		data = string(t.Data)
	}
	return id, lang, data
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
