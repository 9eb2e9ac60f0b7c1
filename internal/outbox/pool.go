package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed set of workers. Idle workers poll the queue every
// interval; Notify wakes one of them early.
type Pool struct {
	workers  []*Worker
	interval time.Duration
	logger   *zap.Logger
	wake     chan struct{}
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// NewPool creates a pool over workers. A zero interval means 500ms.
func NewPool(workers []*Worker, interval time.Duration, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Pool{
		workers:  workers,
		interval: interval,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for _, w := range p.workers {
		p.group.Go(func() error { return p.run(ctx, w) })
	}
	p.logger.Info("worker pool started", zap.Int("workers", len(p.workers)), zap.Duration("poll_interval", p.interval))
}

// Stop cancels the workers and waits for them. Jobs in flight keep their
// lease and are picked up again after it expires.
func (p *Pool) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	err := p.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Notify hints that a job was enqueued.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) run(ctx context.Context, w *Worker) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-p.wake:
		}

		// Drain everything that is ready before going idle.
		for {
			processed, err := w.ProcessOne(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				w.logger.Error("process job", zap.Error(err))
				break
			}
			if !processed {
				break
			}
		}
		timer.Reset(p.interval)
	}
}

// Workers builds n workers named prefix-1..prefix-n sharing the same deps.
func Workers(n int, prefix string, build func(id string) *Worker) []*Worker {
	if n < 1 {
		n = 1
	}
	ws := make([]*Worker, n)
	for i := range ws {
		ws[i] = build(fmt.Sprintf("%s-%d", prefix, i+1))
	}
	return ws
}
