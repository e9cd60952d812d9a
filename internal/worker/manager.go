// Package worker owns the lifecycle of long-running background
// components: the job queue, the scheduler and anything else that
// starts with the process and must drain before it exits.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Worker is one background component. Start must not block; Stop must
// be safe to call once after a successful Start.
type Worker interface {
	Start(ctx context.Context) error
	Stop()
	Name() string
}

// Manager starts workers in registration order and stops them in
// reverse, so consumers outlive their producers during shutdown.
type Manager struct {
	mu      sync.RWMutex
	workers []Worker
	logger  *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a worker. Registration order is start order.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
}

// StartAll starts every registered worker and fails fast on the first
// error, leaving already-started workers running for StopAll to drain.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			m.logger.Error("worker failed to start",
				zap.String("worker", w.Name()), zap.Error(err))
			return err
		}
		m.logger.Info("worker started", zap.String("worker", w.Name()))
	}
	return nil
}

// StopAll stops all workers in reverse registration order.
func (m *Manager) StopAll() {
	m.mu.RLock()
	workers := make([]Worker, len(m.workers))
	copy(workers, m.workers)
	m.mu.RUnlock()

	for i := len(workers) - 1; i >= 0; i-- {
		workers[i].Stop()
		m.logger.Info("worker stopped", zap.String("worker", workers[i].Name()))
	}
}

// Count reports how many workers are registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}
