package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// periodic is one recurring job.
type periodic struct {
	name     string
	interval time.Duration
	payload  interface{}
}

// Scheduler enqueues recurring jobs on fixed intervals: classifier
// retrains, cache sweeps, chat digests.
type Scheduler struct {
	queue  *Queue
	logger *zap.Logger

	mu      sync.Mutex
	entries []periodic
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates an empty scheduler bound to a queue.
func NewScheduler(queue *Queue, logger *zap.Logger) *Scheduler {
	return &Scheduler{queue: queue, logger: logger}
}

// Every registers a recurring enqueue. Call before Start.
func (s *Scheduler) Every(interval time.Duration, name string, payload interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, periodic{name: name, interval: interval, payload: payload})
}

// Name identifies the scheduler to the worker manager.
func (s *Scheduler) Name() string { return "job-scheduler" }

// Start launches one ticker goroutine per recurring entry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, e := range s.entries {
		e := e
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(e.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.queue.Enqueue(e.name, e.payload)
				}
			}
		}()
		s.logger.Info("recurring job scheduled",
			zap.String("job", e.name), zap.Duration("interval", e.interval))
	}
	return nil
}

// Stop halts all tickers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}
