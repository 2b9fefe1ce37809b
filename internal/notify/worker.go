package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"bookbot/internal/botapi"
	"bookbot/internal/eventbus"
	"bookbot/internal/queue"
	"bookbot/internal/template"
	logx "bookbot/pkg/logx"
)

// StartWorker launches the background delivery loop. Idempotent; returns
// errWorkerRunning if already active.
func (s *Service) StartWorker(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.stopCh != nil {
		return errWorkerRunning
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	stopDone := s.stopDone

	go func() {
		defer close(stopDone)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in delivery worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		s.log.Info("delivery worker started", logx.Duration("poll", s.cfg.PollInterval))
		s.workerLoop(ctx, stopCh)
		s.log.Info("delivery worker stopped")
	}()
	return nil
}

// StopWorker stops the loop and waits for the in-flight message (bounded
// by ctx).
func (s *Service) StopWorker(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.wmu.Lock()
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.wmu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
	case <-ctx.Done():
	}
}

// WorkerActive reports whether the delivery loop is running.
func (s *Service) WorkerActive() bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.stopCh != nil
}

func (s *Service) workerLoop(ctx context.Context, stopCh <-chan struct{}) {
	idle := time.NewTimer(s.cfg.PollInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		msg, err := s.q.DequeueNext(ctx)
		if err != nil {
			s.log.Error("dequeue failed", logx.Err(err))
			s.noteFailure(err)
		}
		if msg == nil {
			// Nothing due; idle-wait without spinning.
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-idle.C:
			}
			continue
		}

		s.deliver(ctx, msg)
	}
}

// deliver runs one claimed message to a terminal or rescheduled state.
func (s *Service) deliver(ctx context.Context, msg *queue.OutboundMessage) {
	// Re-render from template metadata so retries pick up table changes
	// and the stored body can't go stale.
	if msg.Template != nil && len(msg.Template.Data) > 0 {
		text, err := s.templates.RenderJSON(msg.Template.ID, msg.Template.Language, msg.Template.Data)
		switch {
		case err == nil:
			msg.Text = text
		case errors.Is(err, template.ErrUnknownTemplate):
			// Table changed under us; the stored body is still deliverable.
			s.log.Warn("template gone, sending stored body", logx.String("id", msg.ID), logx.Err(err))
		default:
			// Render failures are permanent for this message.
			s.deadLetter(ctx, msg, err)
			return
		}
	}

	ref, err := s.client.Send(ctx, msg.To, msg.Text, msg.Opt)
	if err == nil {
		if merr := s.q.MarkSent(ctx, msg); merr != nil {
			s.log.Error("mark sent failed", logx.String("id", msg.ID), logx.Err(merr))
		}
		s.sent.Add(1)
		s.publish(eventbus.TypeSent, msg, nil)
		s.log.Debug("message delivered",
			logx.String("id", msg.ID),
			logx.Int64("chat_id", msg.To.ChatID),
			logx.Int("remote_id", ref.MessageID),
			logx.String("priority", msg.Priority.String()))
		return
	}

	s.failed.Add(1)
	s.noteFailure(err)

	if botapi.IsNoRetry(err) {
		s.deadLetter(ctx, msg, err)
		return
	}

	var hint time.Duration
	if after, ok := botapi.RetryAfterHint(err); ok {
		hint = after
	}
	requeued, merr := s.q.MarkFailed(ctx, msg, err.Error(), hint)
	if merr != nil {
		s.log.Error("mark failed errored", logx.String("id", msg.ID), logx.Err(merr))
		return
	}
	if requeued {
		s.publish(eventbus.TypeFailed, msg, err)
		s.log.Warn("delivery failed, retry scheduled",
			logx.String("id", msg.ID),
			logx.Int("attempt", msg.RetryCount),
			logx.Time("next", msg.ScheduledAt),
			logx.Err(err))
		return
	}
	// Retries exhausted; MarkFailed moved it to the dead letter.
	s.publish(eventbus.TypeDeadLetter, msg, err)
}

func (s *Service) deadLetter(ctx context.Context, msg *queue.OutboundMessage, cause error) {
	if err := s.q.MoveToDeadLetter(ctx, msg, cause.Error()); err != nil {
		s.log.Error("dead-letter move failed", logx.String("id", msg.ID), logx.Err(err))
		return
	}
	s.publish(eventbus.TypeDeadLetter, msg, cause)
}
