package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/queue"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// Reconciler repairs the gap between the store and the queue: PENDING
// messages whose enqueue failed get a job, PENDING messages left behind by a
// dead-lettered job are marked FAILED, and old DONE jobs are purged.
type Reconciler struct {
	db        *store.DB
	queue     *queue.Queue
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration
	grace     time.Duration
	retention time.Duration
	onEnqueue func()
	cancel    context.CancelFunc
	done      chan struct{}
}

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	// Interval between passes.
	Interval time.Duration
	// Grace is how old a PENDING message must be before it counts as orphaned,
	// so messages still inside PostMessage are left alone.
	Grace time.Duration
	// Retention is how long DONE jobs are kept; zero keeps them forever.
	Retention time.Duration
}

// NewReconciler creates a reconciler. onEnqueue, when set, is called after a
// pass that enqueued at least one job.
func NewReconciler(db *store.DB, q *queue.Queue, cfg ReconcilerConfig, onEnqueue func(), b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reconciler{
		db:        db,
		queue:     q,
		bus:       b,
		logger:    logger,
		interval:  cfg.Interval,
		grace:     cfg.Grace,
		retention: cfg.Retention,
		onEnqueue: onEnqueue,
	}
}

// Start runs a pass immediately and then on every tick.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops the loop and waits for it.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile pass failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce enqueues orphaned PENDING messages and purges old DONE jobs. It
// returns how many jobs were enqueued.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.db.PendingWithoutJob(ctx, time.Now().Add(-r.grace), 200)
	if err != nil {
		return 0, err
	}

	chats := make(map[string]*store.Chat)
	enqueued := 0
	for i := range msgs {
		msg := &msgs[i]
		chat, ok := chats[msg.ChatID]
		if !ok {
			chat, err = r.db.GetChat(ctx, msg.ChatID)
			if err != nil {
				return enqueued, err
			}
			chats[msg.ChatID] = chat
		}
		if _, err := r.queue.Enqueue(ctx, msg.ID, queue.PayloadFor(chat, msg)); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		r.logger.Info("enqueued orphaned messages", zap.Int("count", enqueued))
		if r.onEnqueue != nil {
			r.onEnqueue()
		}
	}

	if err := r.settleStranded(ctx); err != nil {
		return enqueued, err
	}

	if r.retention > 0 {
		n, err := r.queue.Purge(ctx, time.Now().Add(-r.retention))
		if err != nil {
			return enqueued, err
		}
		if n > 0 {
			r.logger.Debug("purged finished jobs", zap.Int64("count", n))
		}
	}
	return enqueued, nil
}

func (r *Reconciler) settleStranded(ctx context.Context) error {
	stranded, err := r.db.PendingDeadLettered(ctx, 200)
	if err != nil {
		return err
	}
	for _, st := range stranded {
		changed, err := r.db.MarkFailed(ctx, st.MessageID, st.Reason)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		r.logger.Warn("marked dead-lettered message failed", zap.String("message_id", st.MessageID))
		r.bus.Emit(bus.MessageFailed, bus.MessageEvent{
			MessageID: st.MessageID,
			ChatID:    st.GatewayChatID,
			Status:    string(store.StatusFailed),
			Reason:    st.Reason,
		})
	}
	return nil
}
