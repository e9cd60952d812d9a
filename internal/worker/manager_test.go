package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWorker struct {
	name     string
	startErr error
	log      *[]string
}

func (w *fakeWorker) Start(ctx context.Context) error {
	*w.log = append(*w.log, "start:"+w.name)
	return w.startErr
}

func (w *fakeWorker) Stop() {
	*w.log = append(*w.log, "stop:"+w.name)
}

func (w *fakeWorker) Name() string { return w.name }

func TestManagerStartsInOrderStopsInReverse(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	m.Register(&fakeWorker{name: "queue", log: &log})
	m.Register(&fakeWorker{name: "scheduler", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	m.StopAll()

	assert.Equal(t, []string{
		"start:queue", "start:scheduler",
		"stop:scheduler", "stop:queue",
	}, log)
	assert.Equal(t, 2, m.Count())
}

func TestManagerStopsAtFirstStartFailure(t *testing.T) {
	var log []string
	m := NewManager(zap.NewNop())
	m.Register(&fakeWorker{name: "ok", log: &log})
	m.Register(&fakeWorker{name: "broken", startErr: errors.New("no socket"), log: &log})
	m.Register(&fakeWorker{name: "never", log: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"start:ok", "start:broken"}, log)
}
