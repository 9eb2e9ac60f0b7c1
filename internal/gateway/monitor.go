package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/status"
	"go.uber.org/zap"
)

// StatusGetter is the part of Client the monitor needs.
type StatusGetter interface {
	GetStatus(ctx context.Context) (*Status, error)
}

// Monitor polls the gateway session state and moves the daemon between
// READY and DEGRADED. It is diagnostic: nothing blocks on it.
type Monitor struct {
	gw       StatusGetter
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	mu   sync.RWMutex
	snap Snapshot
}

// Snapshot is the outcome of the latest check.
type Snapshot struct {
	Status    *Status
	Err       error
	CheckedAt time.Time
}

// NewMonitor creates a monitor polling every interval.
func NewMonitor(gw StatusGetter, machine *status.Machine, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		gw:       gw,
		machine:  machine,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start checks once immediately and then on every tick.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop stops polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check queries the gateway once and records the result.
func (m *Monitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	st, err := m.gw.GetStatus(ctx)
	m.mu.Lock()
	prev := m.snap.Status
	m.snap.Err, m.snap.CheckedAt = err, time.Now()
	if err == nil {
		m.snap.Status = st
	}
	m.mu.Unlock()

	healthy := err == nil && st.Healthy()
	switch {
	case err != nil:
		m.logger.Warn("gateway status check failed", zap.Error(err))
	case prev == nil || prev.State != st.State:
		m.logger.Info("gateway session state", zap.String("session", st.Session), zap.String("state", string(st.State)))
		m.bus.Emit(bus.GatewayStatus, *st)
	}

	if m.machine == nil {
		return
	}
	target := status.Degraded
	if healthy {
		target = status.Ready
	}
	if cur := m.machine.Current(); cur == status.Stopping || cur == status.Error {
		return
	}
	if err := m.machine.Transition(target); err != nil {
		m.logger.Warn("status transition rejected", zap.Error(err))
	}
}

// Last returns the latest check. Status keeps the last successful answer and
// is nil until the gateway has answered once.
func (m *Monitor) Last() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}
