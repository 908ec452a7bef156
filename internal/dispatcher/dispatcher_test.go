package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/jobs"
)

type recordingQueue struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
	failAt int
}

func (q *recordingQueue) Publish(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	if q.err != nil && len(q.bodies) == q.failAt {
		return q.err
	}
	q.bodies = append(q.bodies, body)
	return nil
}

func (q *recordingQueue) jobs(t *testing.T) []jobs.Job {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]jobs.Job, 0, len(q.bodies))
	for _, b := range q.bodies {
		var j jobs.Job
		require.NoError(t, json.Unmarshal(b, &j))
		out = append(out, j)
	}
	return out
}

func TestEnqueuePublishesEncodedJob(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	d := New(q, zap.NewNop())

	require.NoError(t, d.Enqueue(context.Background(), jobs.Job{Date: "2019-01-26", Lang: "SP"}))
	got := q.jobs(t)
	require.Len(t, got, 1)
	require.Equal(t, jobs.KindFetch, got[0].Kind)
	require.Equal(t, "2019-01-26:SP", got[0].Key())
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	err := New(q, nil).Enqueue(context.Background(), jobs.Job{Date: "26/01/2019", Lang: "SP"})
	require.ErrorIs(t, err, jobs.ErrInvalid)
	require.Empty(t, q.jobs(t))
}

func TestEnqueueWrapsQueueErrors(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{err: errors.New("channel closed")}
	err := New(q, nil).Enqueue(context.Background(), jobs.Job{Date: "2019-01-26", Lang: "SP"})
	require.ErrorContains(t, err, "queue enqueue: channel closed")
}

func TestEnqueueWithoutQueue(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, New(nil, nil).Enqueue(context.Background(), jobs.Job{}), ErrUnavailable)
}

func TestEnqueueRangeCoversEveryDayAndLanguage(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{}
	from := time.Date(2019, 1, 30, 0, 0, 0, 0, time.UTC)
	to := time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC)

	n, err := New(q, nil).EnqueueRange(context.Background(), jobs.Job{Kind: jobs.KindFetch}, from, to, []string{"SP", "AM"})
	require.NoError(t, err)
	require.Equal(t, 6, n)

	var keys []string
	for _, j := range q.jobs(t) {
		keys = append(keys, j.Key())
	}
	require.Equal(t, []string{
		"2019-01-30:SP", "2019-01-30:AM",
		"2019-01-31:SP", "2019-01-31:AM",
		"2019-02-01:SP", "2019-02-01:AM",
	}, keys)
}

func TestEnqueueRangeStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	q := &recordingQueue{err: errors.New("boom"), failAt: 2}
	from := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := New(q, nil).EnqueueRange(context.Background(), jobs.Job{}, from, from.AddDate(0, 0, 4), []string{"SP"})
	require.Error(t, err)
	require.Equal(t, 2, n)
}

func TestEnqueueRangeValidatesBounds(t *testing.T) {
	t.Parallel()

	d := New(&recordingQueue{}, nil)
	from := time.Date(2019, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := d.EnqueueRange(context.Background(), jobs.Job{}, from, from.AddDate(0, 0, -1), []string{"SP"})
	require.ErrorIs(t, err, jobs.ErrInvalid)
	_, err = d.EnqueueRange(context.Background(), jobs.Job{}, from, from, nil)
	require.ErrorIs(t, err, jobs.ErrInvalid)
}
