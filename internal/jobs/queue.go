// Package jobs runs the post-commit work the write paths hand off:
// audit rows, affinity refreshes, auto-authorization sweeps, digest
// sends and cache maintenance. Jobs are named, carry a typed payload
// and retry with exponential backoff; terminal failures land in a
// dead-letter table for inspection.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
)

// Handler processes one job payload. The payload is the value passed
// to Enqueue, unmodified.
type Handler func(ctx context.Context, payload interface{}) error

// Job is one unit of queued work.
type Job struct {
	ID      string
	Name    string
	Payload interface{}
	Attempt int
}

// Config tunes the queue.
type Config struct {
	QueueSize  int
	MaxRetries int
	BaseDelay  time.Duration
}

// Queue is a bounded in-process job queue with named handlers.
type Queue struct {
	db     *sql.DB
	logger *zap.Logger
	cfg    Config

	mu       sync.RWMutex
	handlers map[string]Handler
	inflight map[string]bool

	jobs    chan *Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewQueue creates the queue. Handlers are registered before Start.
func NewQueue(db *sql.DB, cfg Config, logger *zap.Logger) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &Queue{
		db:       db,
		logger:   logger,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		inflight: make(map[string]bool),
		jobs:     make(chan *Job, cfg.QueueSize),
	}
}

// Register binds a handler to a job name. Enqueues for unregistered
// names go straight to the dead-letter table.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue queues a named job. It never blocks the caller: when the
// queue is full the job is dead-lettered instead, so a slow worker
// cannot stall a write path.
func (q *Queue) Enqueue(name string, payload interface{}) {
	job := &Job{ID: uuid.NewString(), Name: name, Payload: payload}

	q.mu.Lock()
	if q.inflight[job.ID] {
		q.mu.Unlock()
		return
	}
	q.inflight[job.ID] = true
	q.mu.Unlock()

	select {
	case q.jobs <- job:
	default:
		q.logger.Error("job queue full, dead-lettering",
			zap.String("job", name), zap.String("job_id", job.ID))
		q.deadLetter(job, fmt.Errorf("queue full"))
		q.finish(job.ID)
	}
}

// Name identifies the queue to the worker manager.
func (q *Queue) Name() string { return "job-queue" }

// Start launches the worker goroutine.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("job queue already running")
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()

	q.logger.Info("job queue started",
		zap.Int("queue_size", q.cfg.QueueSize),
		zap.Int("max_retries", q.cfg.MaxRetries))
	return nil
}

// Stop drains in-flight work and shuts the worker down.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	q.logger.Info("job queue stopped")
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

func (q *Queue) process(job *Job) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Name]
	q.mu.RUnlock()
	if !ok {
		q.logger.Error("no handler for job", zap.String("job", job.Name))
		q.deadLetter(job, fmt.Errorf("no handler registered for %q", job.Name))
		q.finish(job.ID)
		return
	}

	err := handler(q.ctx, job.Payload)
	if err == nil {
		q.finish(job.ID)
		return
	}

	job.Attempt++
	if job.Attempt >= q.cfg.MaxRetries || !apperr.Retryable(err) {
		q.logger.Error("job failed permanently",
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err))
		q.deadLetter(job, err)
		q.finish(job.ID)
		return
	}

	delay := q.backoff(job.Attempt)
	q.logger.Warn("job failed, retrying",
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(err))

	// Requeue after the backoff without blocking the worker.
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- job:
		case <-q.ctx.Done():
			q.finish(job.ID)
		default:
			q.deadLetter(job, fmt.Errorf("queue full on retry: %w", err))
			q.finish(job.ID)
		}
	})
}

// backoff doubles per attempt: 1s, 2s, 4s...
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) finish(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *Queue) deadLetter(job *Job, cause error) {
	encoded, err := json.Marshal(job.Payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%+v", job.Payload))
	}
	_, err = q.db.Exec(`
		INSERT INTO jobs_dead_letter (job_id, name, payload_json, error, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.Name, string(encoded), cause.Error(), job.Attempt)
	if err != nil {
		q.logger.Error("failed to write dead letter",
			zap.String("job", job.Name), zap.Error(err))
	}
}

// DeadLetters returns the most recent dead-lettered jobs.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_id, name, payload_json, error, attempts, created_at
		FROM jobs_dead_letter ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.Name, &d.PayloadJSON, &d.Error, &d.Attempts, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeadLetter is a terminally failed job kept for inspection.
type DeadLetter struct {
	ID          int64     `json:"id"`
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	PayloadJSON string    `json:"payload_json"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}
