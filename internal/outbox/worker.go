// Package outbox drains the dispatch queue: workers lease jobs, hand them to
// the gateway and record the outcome on both the job and its message.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/gateway"
	"github.com/matheus3301/chatd/internal/queue"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// TextSender is the part of the gateway client a worker needs.
type TextSender interface {
	SendText(ctx context.Context, chatID, text string) (*gateway.Result, error)
}

// Worker processes one leased job at a time.
type Worker struct {
	id          string
	db          *store.DB
	queue       *queue.Queue
	sender      TextSender
	policy      Policy
	sendTimeout time.Duration
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewWorker creates a worker. sendTimeout bounds each gateway call and must
// be shorter than the queue's lease timeout; zero means 15s.
func NewWorker(id string, db *store.DB, q *queue.Queue, sender TextSender, policy Policy, sendTimeout time.Duration, b *bus.Bus, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Worker{
		id:          id,
		db:          db,
		queue:       q,
		sender:      sender,
		policy:      policy,
		sendTimeout: sendTimeout,
		bus:         b,
		logger:      logger.With(zap.String("worker", id)),
	}
}

// ProcessOne leases a single job and settles it. It reports false when no
// job was ready. If ctx is cancelled mid-send the job is left leased so the
// lease expires and another worker picks it up.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Lease(ctx, w.id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("message_id", job.MessageID), zap.Int("attempt", job.AttemptCount))

	if w.policy.Spent(job.AttemptCount) {
		reason := "attempts exhausted"
		if job.LastError != "" {
			reason += ": " + job.LastError
		}
		log.Warn("budget spent before send", zap.String("last_error", job.LastError))
		return true, w.dead(ctx, log, job, reason)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	res, sendErr := w.sender.SendText(sendCtx, job.Payload.ChatID, job.Payload.Text)
	cancel()
	if ctx.Err() != nil {
		log.Info("shutdown during send, leaving job to lease expiry")
		return true, ctx.Err()
	}

	switch {
	case sendErr == nil:
		return true, w.delivered(ctx, log, job, res)
	case gateway.IsPermanent(sendErr):
		log.Warn("gateway rejected message", zap.Error(sendErr))
		return true, w.dead(ctx, log, job, sendErr.Error())
	case w.policy.Exhausted(job.AttemptCount):
		log.Warn("retries exhausted", zap.Error(sendErr))
		return true, w.dead(ctx, log, job, sendErr.Error())
	default:
		return true, w.retry(ctx, log, job, sendErr)
	}
}

func (w *Worker) delivered(ctx context.Context, log *zap.Logger, job *queue.Job, res *gateway.Result) error {
	changed, err := w.db.MarkDelivered(ctx, job.MessageID, res.ProviderMessageID)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		log.Warn("message vanished before delivery was recorded")
	case err != nil:
		// Leave the job leased; it is sent again after the lease expires.
		return err
	case !changed:
		log.Warn("gateway accepted a message that was already settled",
			zap.String("provider_message_id", res.ProviderMessageID))
	}
	if err := w.queue.Ack(ctx, job.ID, job.LeaseToken); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost after delivery", zap.Error(err))
			return nil
		}
		return err
	}
	if !changed {
		return nil
	}
	log.Info("message delivered", zap.String("provider_message_id", res.ProviderMessageID))
	w.bus.Emit(bus.MessageDelivered, bus.MessageEvent{
		MessageID:         job.MessageID,
		ChatID:            job.Payload.ChatID,
		Status:            string(store.StatusDelivered),
		ProviderMessageID: res.ProviderMessageID,
	})
	return nil
}

func (w *Worker) retry(ctx context.Context, log *zap.Logger, job *queue.Job, sendErr error) error {
	delay := w.policy.Backoff(job.AttemptCount)
	var te *gateway.TransientError
	if errors.As(sendErr, &te) && te.RetryAfter > delay {
		delay = te.RetryAfter
	}
	if err := w.queue.Retry(ctx, job.ID, job.LeaseToken, delay, sendErr.Error()); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("lease lost before retry was scheduled", zap.Error(err))
			return nil
		}
		return err
	}
	log.Info("send failed, retry scheduled", zap.Duration("delay", delay), zap.Error(sendErr))
	w.bus.Emit(bus.JobRetryScheduled, bus.JobEvent{
		JobID:     job.ID,
		MessageID: job.MessageID,
		Attempt:   job.AttemptCount + 1,
		Delay:     delay,
		Reason:    sendErr.Error(),
	})
	return nil
}

func (w *Worker) dead(ctx context.Context, log *zap.Logger, job *queue.Job, reason string) error {
	if err := w.queue.DeadLetter(ctx, job.ID, job.LeaseToken, reason); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			// Another worker owns the job now and will record its outcome.
			log.Warn("lease lost before dead-lettering", zap.Error(err))
			return nil
		}
		return err
	}
	w.bus.Emit(bus.JobDeadLettered, bus.JobEvent{
		JobID:     job.ID,
		MessageID: job.MessageID,
		Attempt:   job.AttemptCount + 1,
		Reason:    reason,
	})

	changed, err := w.db.MarkFailed(ctx, job.MessageID, reason)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		log.Warn("message vanished before failure was recorded")
		return nil
	case err != nil:
		// The reconciler settles PENDING messages whose jobs are all DEAD.
		return err
	case !changed:
		log.Info("message already settled, failure not recorded")
		return nil
	}
	w.bus.Emit(bus.MessageFailed, bus.MessageEvent{
		MessageID: job.MessageID,
		ChatID:    job.Payload.ChatID,
		Status:    string(store.StatusFailed),
		Reason:    reason,
	})
	return nil
}
