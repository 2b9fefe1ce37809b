// Package maintenance runs cron-driven housekeeping on the delivery queue:
// pruning old sent messages and periodically logging a metrics snapshot.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"bookbot/internal/queue"
	logx "bookbot/pkg/logx"
)

type Config struct {
	Enabled bool

	PruneSchedule   string
	MetricsSchedule string
	Timezone        string

	// Retention bounds how long sent messages are kept.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.PruneSchedule) == "" {
		c.PruneSchedule = "17 3 * * *"
	}
	if strings.TrimSpace(c.MetricsSchedule) == "" {
		c.MetricsSchedule = "*/15 * * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg  Config
	q    *queue.Queue
	log  logx.Logger
	cron *cron.Cron
}

func New(cfg Config, q *queue.Queue, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("maintenance: invalid timezone %q: %w", tz, err)
		}
	}

	s := &Service{
		cfg:  cfg,
		q:    q,
		log:  log,
		cron: cron.New(cron.WithLocation(loc)),
	}

	if _, err := s.cron.AddFunc(cfg.PruneSchedule, s.prune); err != nil {
		return nil, fmt.Errorf("maintenance: prune schedule: %w", err)
	}
	if _, err := s.cron.AddFunc(cfg.MetricsSchedule, s.logMetrics); err != nil {
		return nil, fmt.Errorf("maintenance: metrics schedule: %w", err)
	}
	return s, nil
}

func (s *Service) Start() {
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return
	}
	s.cron.Start()
	s.log.Info("maintenance scheduled",
		logx.String("prune", s.cfg.PruneSchedule),
		logx.String("metrics", s.cfg.MetricsSchedule))
}

// Stop waits for any in-flight job to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.q.PruneSent(ctx, s.cfg.Retention)
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("pruned sent messages", logx.Int64("removed", n))
	}
}

func (s *Service) logMetrics() {
	m := s.q.Metrics()
	s.log.Info("queue metrics",
		logx.Int64("pending", m.Pending),
		logx.Int64("processing", m.Processing),
		logx.Int64("retrying", m.Retrying),
		logx.Int64("dead_lettered", m.DeadLettered),
		logx.Int64("processed", m.TotalProcessed),
		logx.Int64("failed", m.TotalFailed),
		logx.Float64("avg_processing_ms", m.AvgProcessingMS))
}
