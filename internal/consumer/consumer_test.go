package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/broker"
	"github.com/ticnsp/eaas/internal/broker/brokertest"
	"github.com/ticnsp/eaas/internal/ingest"
	"github.com/ticnsp/eaas/internal/jobs"
	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/runlog"
	"github.com/ticnsp/eaas/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

type harness struct {
	ch       *brokertest.Channel
	ack      *brokertest.Acknowledger
	runs     *memory.JobRunStore
	consumer *Consumer
}

func newHarness(cfg Config) *harness {
	if cfg.Queue == "" {
		cfg.Queue = "fetch_queue"
	}
	ch := brokertest.NewChannel()
	runs := memory.NewJobRunStore()
	pub := broker.NewPublisher(ch, broker.Topology{Queue: cfg.Queue})
	return &harness{
		ch:       ch,
		ack:      &brokertest.Acknowledger{},
		runs:     runs,
		consumer: New(ch, pub, runs, &seqIDs{}, wallClock{}, cfg, zap.NewNop()),
	}
}

func (h *harness) lastRun(t *testing.T) liturgy.JobRun {
	t.Helper()
	runs, err := h.runs.ListRuns(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

const fetchBody = `{"date":"2019-01-26","lang":"SP"}`

func TestProcessSuccessAcks(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(ctx context.Context, job jobs.Job, rec *runlog.Recorder) error {
		rec.Running(ctx, liturgy.PhaseCheck, "checking "+job.Key())
		return nil
	}))

	disp := h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil))
	require.Equal(t, Acked, disp)
	require.Equal(t, []brokertest.Settlement{{Tag: 1, Action: "ack"}}, stripTimes(h.ack.All()))

	run := h.lastRun(t)
	require.Equal(t, "fetch", run.Kind)
	require.Equal(t, 1, run.Attempt)
	require.Equal(t, liturgy.StatusStart, run.Logs[0].Status)
	last, _ := run.Last()
	require.Equal(t, liturgy.StatusSuccess, last.Status)
	require.Equal(t, liturgy.PhaseDone, last.Step)
}

func TestProcessUndecodableIsDeadLettered(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	disp := h.consumer.Process(context.Background(), h.ack.Delivery(7, `{"lang":`, nil))

	require.Equal(t, DeadLettered, disp)
	require.Equal(t, []brokertest.Settlement{{Tag: 7, Action: "nack", Requeue: false}}, stripTimes(h.ack.All()))
	runs, err := h.runs.ListRuns(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Empty(t, runs, "no run is created for an undecodable body")
}

func TestProcessPermanentFailureIsDeadLettered(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		return ingest.Permanentf("upstream answered 404")
	}))

	disp := h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil))
	require.Equal(t, DeadLettered, disp)
	require.Empty(t, h.ch.PublishedMessages())

	last, _ := h.lastRun(t).Last()
	require.Equal(t, liturgy.StatusFailure, last.Status)
	require.Equal(t, "upstream answered 404", last.Message)
}

func TestProcessTransientFailureIsRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3, RetryBackoff: 15 * time.Second})
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		return errors.New("connection reset by peer")
	}))

	disp := h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil))
	require.Equal(t, Retried, disp)
	require.Equal(t, "ack", h.ack.All()[0].Action)

	msgs := h.ch.PublishedMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, "fetch_queue.retry", msgs[0].Key)
	require.Equal(t, int32(2), msgs[0].Msg.Headers[broker.AttemptHeader])
	require.Equal(t, "15000", msgs[0].Msg.Expiration)
}

func TestProcessExhaustedAttemptsAreDeadLettered(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		return errors.New("503")
	}))

	d := h.ack.Delivery(1, fetchBody, amqp.Table{broker.AttemptHeader: int32(3)})
	require.Equal(t, DeadLettered, h.consumer.Process(context.Background(), d))
	require.Empty(t, h.ch.PublishedMessages())
	require.Equal(t, 3, h.lastRun(t).Attempt)
}

func TestProcessRequeuesWhenRetryCannotBePublished(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	h.ch.PublishErr = errors.New("channel closed")
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		return errors.New("timeout")
	}))

	require.Equal(t, Requeued, h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil)))
	require.Equal(t, []brokertest.Settlement{{Tag: 1, Action: "nack", Requeue: true}}, stripTimes(h.ack.All()))
}

func TestProcessRequeuesWhenRetryIsNotConfirmed(t *testing.T) {
	t.Parallel()

	cases := map[string]brokertest.Confirmation{
		"nacked":    {Ack: false},
		"timed out": {Hold: true},
	}
	for name, answer := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(Config{MaxAttempts: 3, ConfirmTimeout: 20 * time.Millisecond})
			require.NoError(t, h.ch.Confirm(false))
			h.ch.Answer = &answer
			h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
				return errors.New("connection reset by peer")
			}))

			require.Equal(t, Requeued, h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil)))
			require.Equal(t, []brokertest.Settlement{{Tag: 1, Action: "nack", Requeue: true}}, stripTimes(h.ack.All()),
				"original stays on the queue when the copy is not confirmed")
			require.Len(t, h.ch.PublishedMessages(), 1)
		})
	}
}

func TestProcessAcksOnceRetryIsConfirmed(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	require.NoError(t, h.ch.Confirm(false))
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		return errors.New("connection reset by peer")
	}))

	require.Equal(t, Retried, h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil)))
	require.Equal(t, []brokertest.Settlement{{Tag: 1, Action: "ack"}}, stripTimes(h.ack.All()))
	require.True(t, h.ch.PublishedMessages()[0].Mandatory)
}

func TestProcessUnregisteredKindIsDeadLettered(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	body := `{"kind":"email","date":"2019-01-26","lang":"SP","toEmail":"a@example.com"}`

	require.Equal(t, DeadLettered, h.consumer.Process(context.Background(), h.ack.Delivery(1, body, nil)))
	last, _ := h.lastRun(t).Last()
	require.Equal(t, liturgy.StatusFailure, last.Status)
	require.Contains(t, last.Message, "no handler registered")
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		panic("nil map")
	}))

	require.Equal(t, DeadLettered, h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil)))
}

func TestProcessJobTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3, JobTimeout: 20 * time.Millisecond})
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(ctx context.Context, _ jobs.Job, _ *runlog.Recorder) error {
		<-ctx.Done()
		return fmt.Errorf("fetch: %w", ctx.Err())
	}))

	require.Equal(t, Retried, h.consumer.Process(context.Background(), h.ack.Delivery(1, fetchBody, nil)))
	last, _ := h.lastRun(t).Last()
	require.Contains(t, last.Message, "job exceeded")
}

func TestRunProcessesOneMessageAtATime(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	}))

	h.ch.Deliveries <- h.ack.Delivery(1, fetchBody, nil)
	h.ch.Deliveries <- h.ack.Delivery(2, `{"date":"2019-01-27","lang":"SP"}`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(h.ack.All()) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	settled := h.ack.All()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	require.False(t, starts[1].Before(settled[0].At), "second job started before first was acked")
	require.Equal(t, []string{"eaas-worker"}, h.ch.Cancelled)
}

func TestRunLeavesBufferedDeliveriesAfterCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{MaxAttempts: 3})
	var handled int
	h.consumer.Register(jobs.KindFetch, HandlerFunc(func(context.Context, jobs.Job, *runlog.Recorder) error {
		handled++
		return nil
	}))
	for tag := uint64(1); tag <= 3; tag++ {
		h.ch.Deliveries <- h.ack.Delivery(tag, fetchBody, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.consumer.Run(ctx))

	require.Zero(t, handled)
	require.Empty(t, h.ack.All(), "prefetched deliveries are left for redelivery")
	require.Len(t, h.ch.Deliveries, 3)
	require.Equal(t, []string{"eaas-worker"}, h.ch.Cancelled)
}

func TestRunReportsClosedDeliveries(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	close(h.ch.Deliveries)
	require.ErrorIs(t, h.consumer.Run(context.Background()), ErrDeliveriesClosed)
}

func TestRunReportsConsumeError(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.ch.ConsumeErr = errors.New("access refused")
	require.ErrorContains(t, h.consumer.Run(context.Background()), "access refused")
}

func stripTimes(in []brokertest.Settlement) []brokertest.Settlement {
	out := make([]brokertest.Settlement, len(in))
	for i, s := range in {
		s.At = time.Time{}
		out[i] = s
	}
	return out
}
