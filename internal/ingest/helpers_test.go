package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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
	return fmt.Sprintf("id-%03d", s.n), nil
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fetchCall struct{ date, lang string }

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	payload liturgy.Payload
	err     error
}

func (f *fakeFetcher) Fetch(_ context.Context, date, lang string) (liturgy.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{date, lang})
	if f.err != nil {
		return liturgy.Payload{}, f.err
	}
	p := f.payload
	p.Date, p.Lang = date, lang
	return p, nil
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func samplePayload() liturgy.Payload {
	return liturgy.Payload{
		LiturgicTitle: "Santos Timoteo y Tito, obispos",
		Links:         []liturgy.Link{{Rel: "next", URI: "/SP/days/2019-01-27"}},
		Readings: []liturgy.Reading{
			{ExternalID: "r-1", ReadingCode: "1R", Text: "Pablo, apóstol de Cristo Jesús"},
			{ExternalID: "r-2", ReadingCode: "PS", Text: "Cantad al Señor"},
			{ExternalID: "r-3", ReadingCode: "GSP", Text: "Los que estaban con él"},
		},
		Saints: []liturgy.Saint{
			{ExternalID: "s-1", Name: "Timoteo"},
			{ExternalID: "s-2", Name: "Tito"},
		},
		Commentary: &liturgy.Commentary{ExternalID: "c-1", Title: "Comentario"},
		Liturgy:    &liturgy.Liturgy{ExternalID: "l-1", Title: "Memoria"},
		Raw:        []byte(`{"data":{"date":"2019-01-26"}}`),
	}
}

type fixture struct {
	store    *memory.DayStore
	runs     *memory.JobRunStore
	fetcher  *fakeFetcher
	ids      *seqIDs
	clock    *tickClock
	pipeline *Pipeline
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewDayStore(),
		runs:    memory.NewJobRunStore(),
		fetcher: &fakeFetcher{payload: samplePayload()},
		ids:     &seqIDs{},
		clock:   &tickClock{now: time.Date(2019, 1, 26, 1, 0, 0, 0, time.UTC)},
	}
	opts := Options{Store: f.store, Fetcher: f.fetcher, IDs: f.ids, Logger: zap.NewNop()}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := NewPipeline(opts)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func (f *fixture) recorder(t *testing.T, runID string) *runlog.Recorder {
	t.Helper()
	rec, err := runlog.Open(context.Background(), f.runs, f.clock, zap.NewNop(), liturgy.JobRun{
		ID:    runID,
		Kind:  "fetch",
		Input: liturgy.JobInput{Date: "2019-01-26", Lang: "SP"},
	})
	require.NoError(t, err)
	return rec
}

func messages(entries []liturgy.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}
