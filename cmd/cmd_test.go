package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/app"
	"github.com/ticnsp/eaas/internal/config"
	"github.com/ticnsp/eaas/internal/dispatcher"
	"github.com/ticnsp/eaas/internal/jobs"
)

type fakeQueue struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
	closed bool
}

func (q *fakeQueue) Publish(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.bodies = append(q.bodies, body)
	return nil
}

func (q *fakeQueue) decoded(t *testing.T) []jobs.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]jobs.Job, 0, len(q.bodies))
	for _, b := range q.bodies {
		job, err := jobs.Decode(b)
		require.NoError(t, err)
		out = append(out, job)
	}
	return out
}

func useFakeQueue(t *testing.T, q *fakeQueue) {
	t.Helper()
	prev := dialQueue
	dialQueue = func(context.Context, config.Config, *zap.Logger) (dispatcher.Queue, func() error, error) {
		return q, func() error { q.closed = true; return nil }, nil
	}
	t.Cleanup(func() { dialQueue = prev })
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eaas.yaml")
	body := `
logging:
  level: error
broker:
  queue: test_queue
  warmup_seconds: 0
worker:
  kinds: fetch,email
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", writeConfig(t)}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueSingleDate(t *testing.T) {
	q := &fakeQueue{}
	useFakeQueue(t, q)

	out, err := execute(t, "enqueue", "--date", "2019-01-26", "--lang", "SP")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued 1 fetch jobs on test_queue")

	got := q.decoded(t)
	require.Len(t, got, 1)
	assert.Equal(t, jobs.Job{Kind: jobs.KindFetch, Date: "2019-01-26", Lang: "SP"}, got[0])
	assert.True(t, q.closed)
}

func TestEnqueueRangeAcrossLanguages(t *testing.T) {
	q := &fakeQueue{}
	useFakeQueue(t, q)

	_, err := execute(t, "enqueue", "--from", "2024-02-28", "--to", "2024-03-01", "--lang", "SP,AM")
	require.NoError(t, err)

	got := q.decoded(t)
	require.Len(t, got, 6)
	assert.Equal(t, "2024-02-28", got[0].Date)
	assert.Equal(t, "SP", got[0].Lang)
	assert.Equal(t, "AM", got[1].Lang)
	assert.Equal(t, "2024-02-29", got[2].Date)
	assert.Equal(t, "2024-03-01", got[5].Date)
}

func TestEnqueueEmailJob(t *testing.T) {
	q := &fakeQueue{}
	useFakeQueue(t, q)

	_, err := execute(t, "enqueue", "--kind", "email", "--date", "2019-01-26", "--lang", "SP", "--email", "reader@example.com")
	require.NoError(t, err)

	got := q.decoded(t)
	require.Len(t, got, 1)
	assert.Equal(t, jobs.KindEmail, got[0].Kind)
	assert.Equal(t, "reader@example.com", got[0].ToEmail)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	cases := map[string][]string{
		"no date":          {"enqueue", "--lang", "SP"},
		"bad date":         {"enqueue", "--date", "26/01/2019", "--lang", "SP"},
		"range backwards":  {"enqueue", "--from", "2024-03-02", "--to", "2024-03-01", "--lang", "SP"},
		"email without to": {"enqueue", "--kind", "email", "--date", "2019-01-26", "--lang", "SP"},
		"missing lang":     {"enqueue", "--date", "2019-01-26"},
		"date and range":   {"enqueue", "--date", "2019-01-26", "--from", "2019-01-26", "--to", "2019-01-27", "--lang", "SP"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			q := &fakeQueue{}
			useFakeQueue(t, q)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Empty(t, q.decoded(t))
		})
	}
}

func TestEnqueuePublishFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("channel closed")}
	useFakeQueue(t, q)

	_, err := execute(t, "enqueue", "--date", "2019-01-26", "--lang", "SP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueued 0 jobs before failing")
	assert.Contains(t, err.Error(), "channel closed")
}

func TestEnqueueBrokerUnavailable(t *testing.T) {
	prev := dialQueue
	dialQueue = func(context.Context, config.Config, *zap.Logger) (dispatcher.Queue, func() error, error) {
		return nil, nil, errors.New("broker: could not connect")
	}
	t.Cleanup(func() { dialQueue = prev })

	_, err := execute(t, "enqueue", "--date", "2019-01-26", "--lang", "SP")
	require.EqualError(t, err, "broker: could not connect")
}

func TestWorkerFailsWhenServicesCannotStart(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, config.Config, *zap.Logger) (*app.App, error) {
		return nil, errors.New("init store: ping postgres: refused")
	}
	t.Cleanup(func() { newApp = prev })

	_, err := execute(t, "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize application services")
}

func TestWorkerHelpExplainsQueueUpgrade(t *testing.T) {
	long := newWorkerCmd().Long
	assert.Contains(t, long, "PRECONDITION_FAILED")
	assert.Contains(t, long, "x-dead-letter-routing-key")
	assert.Contains(t, long, "rabbitmqctl delete_queue fetch_queue")
}

func TestInvalidConfigStopsBeforeRunning(t *testing.T) {
	t.Setenv("EAAS_STORE_BACKEND", "sqlite")
	q := &fakeQueue{}
	useFakeQueue(t, q)

	_, err := execute(t, "enqueue", "--date", "2019-01-26", "--lang", "SP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.backend")
	assert.Empty(t, q.decoded(t))
}
