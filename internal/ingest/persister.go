package ingest

import (
	"context"
	"fmt"

	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/runlog"
)

// Persister materializes a fetched payload as a day plus its children.
type Persister struct {
	store liturgy.DayStore
	ids   liturgy.IDGenerator
}

// NewPersister builds a Persister.
func NewPersister(store liturgy.DayStore, ids liturgy.IDGenerator) *Persister {
	return &Persister{store: store, ids: ids}
}

// Persist writes readings, saints, commentary, liturgy and finally the day
// inside one store transaction. On error nothing is kept.
//
// Step entries are buffered and logged with the caller's ctx after InTx
// returns, so run-log writes stay outside the store transaction and a
// re-run callback logs only its last attempt.
func (p *Persister) Persist(ctx context.Context, payload liturgy.Payload, rec *runlog.Recorder) (liturgy.Day, error) {
	rec.Running(ctx, liturgy.PhaseSave, "Beginning save data")

	var (
		saved liturgy.Day
		steps []string
	)
	note := func(msg string) { steps = append(steps, msg) }
	err := p.store.InTx(ctx, func(ctx context.Context, w liturgy.DayWriter) error {
		steps = steps[:0]
		readings, err := p.withIDs(payload.Readings)
		if err != nil {
			return err
		}
		readings, err = w.InsertReadings(ctx, readings)
		if err != nil {
			return fmt.Errorf("insert readings: %w", err)
		}
		note("Inserted readings.")

		saints := make([]liturgy.Saint, 0, len(payload.Saints))
		for _, saint := range payload.Saints {
			if saint.ID, err = p.ids.NewID(); err != nil {
				return err
			}
			stored, err := w.UpsertSaint(ctx, saint)
			if err != nil {
				return fmt.Errorf("upsert saint %s: %w", saint.ExternalID, err)
			}
			saints = append(saints, stored)
		}
		note("Inserted saints.")

		var commentary *liturgy.Commentary
		if payload.Commentary != nil {
			c := *payload.Commentary
			if c.ID, err = p.ids.NewID(); err != nil {
				return err
			}
			stored, err := w.InsertCommentary(ctx, c)
			if err != nil {
				return fmt.Errorf("insert commentary: %w", err)
			}
			commentary = &stored
			note("Inserted commentary...")
		}

		var lit *liturgy.Liturgy
		if payload.Liturgy != nil {
			l := *payload.Liturgy
			if l.ID, err = p.ids.NewID(); err != nil {
				return err
			}
			stored, err := w.InsertLiturgy(ctx, l)
			if err != nil {
				return fmt.Errorf("insert liturgy: %w", err)
			}
			lit = &stored
			note("Inserted Liturgy...")
		}

		day := payload.DayShell()
		if day.ID, err = p.ids.NewID(); err != nil {
			return err
		}
		note("Inserted additional data...")

		day.Readings = readings
		day.Saints = saints
		day.Commentary = commentary
		day.Liturgy = lit
		note("Attached saints, readings, liturgy and commentary to day...")

		note("Saving LiturgyDayModel.")
		saved, err = w.SaveDay(ctx, day)
		if err != nil {
			return fmt.Errorf("save day: %w", err)
		}
		return nil
	})
	for _, msg := range steps {
		rec.Running(ctx, liturgy.PhaseSave, msg)
	}
	if err != nil {
		return liturgy.Day{}, fmt.Errorf("persist %s %s: %w", payload.Date, payload.Lang, err)
	}

	rec.Running(ctx, liturgy.PhaseSave, "Completed save data")
	return saved, nil
}

func (p *Persister) withIDs(in []liturgy.Reading) ([]liturgy.Reading, error) {
	out := make([]liturgy.Reading, len(in))
	for i, r := range in {
		id, err := p.ids.NewID()
		if err != nil {
			return nil, err
		}
		r.ID = id
		out[i] = r
	}
	return out, nil
}
