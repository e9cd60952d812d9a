package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/testdb"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db := testdb.New(t)
	q := NewQueue(db, Config{QueueSize: 16, MaxRetries: 3, BaseDelay: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return q
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestEnqueueRunsHandler(t *testing.T) {
	q := newTestQueue(t)

	var got atomic.Value
	q.Register("greet", func(ctx context.Context, payload interface{}) error {
		got.Store(payload.(string))
		return nil
	})

	q.Enqueue("greet", "hello")
	waitFor(t, func() bool { return got.Load() != nil })
	assert.Equal(t, "hello", got.Load())
}

func TestRetryableErrorRetries(t *testing.T) {
	q := newTestQueue(t)

	var attempts int32
	q.Register("flaky", func(ctx context.Context, payload interface{}) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return apperr.New(apperr.KindUpstreamUnavailable, "try again")
		}
		return nil
	})

	q.Enqueue("flaky", nil)
	waitFor(t, func() bool { return atomic.LoadInt32(&attempts) == 3 })

	letters, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestTerminalErrorDeadLettersWithoutRetry(t *testing.T) {
	q := newTestQueue(t)

	var attempts int32
	q.Register("broken", func(ctx context.Context, payload interface{}) error {
		atomic.AddInt32(&attempts, 1)
		return apperr.New(apperr.KindValidation, "bad payload")
	})

	q.Enqueue("broken", map[string]string{"k": "v"})
	waitFor(t, func() bool {
		letters, _ := q.DeadLetters(context.Background(), 10)
		return len(letters) == 1
	})

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	letters, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "broken", letters[0].Name)
	assert.Contains(t, letters[0].Error, "bad payload")
}

func TestRetriesExhaustToDeadLetter(t *testing.T) {
	q := newTestQueue(t)

	var attempts int32
	q.Register("always-down", func(ctx context.Context, payload interface{}) error {
		atomic.AddInt32(&attempts, 1)
		return apperr.New(apperr.KindUpstreamTimeout, "upstream never answers")
	})

	q.Enqueue("always-down", nil)
	waitFor(t, func() bool {
		letters, _ := q.DeadLetters(context.Background(), 10)
		return len(letters) == 1
	})
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestUnregisteredJobDeadLetters(t *testing.T) {
	q := newTestQueue(t)

	q.Enqueue("nobody-home", nil)
	waitFor(t, func() bool {
		letters, _ := q.DeadLetters(context.Background(), 10)
		return len(letters) == 1
	})

	letters, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Contains(t, letters[0].Error, "no handler")
}

func TestSchedulerEnqueuesOnInterval(t *testing.T) {
	q := newTestQueue(t)

	var mu sync.Mutex
	count := 0
	q.Register("tick", func(ctx context.Context, payload interface{}) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	s := NewScheduler(q, zap.NewNop())
	s.Every(10*time.Millisecond, "tick", nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	})
}
