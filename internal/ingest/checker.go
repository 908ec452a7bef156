package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/runlog"
)

// Checker decides whether a key needs to be ingested.
type Checker struct {
	store liturgy.DayStore
}

// NewChecker builds a Checker over store.
func NewChecker(store liturgy.DayStore) *Checker {
	return &Checker{store: store}
}

// ShouldFetch returns false only when a valid day is already stored. A
// stored day without readings is deleted first so the caller can replace it.
func (c *Checker) ShouldFetch(ctx context.Context, date, lang string, rec *runlog.Recorder) (bool, error) {
	key := date + " " + lang
	rec.Running(ctx, liturgy.PhaseCheck, "Beginning check for "+key)

	day, err := c.store.FindDay(ctx, date, lang)
	if errors.Is(err, liturgy.ErrNotFound) {
		rec.Running(ctx, liturgy.PhaseCheck, "No existing document for "+key)
		rec.Running(ctx, liturgy.PhaseCheck, "Completed check for "+key)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("find day %s: %w", key, err)
	}

	rec.Running(ctx, liturgy.PhaseCheck, "Found existing document "+day.ID+", checking content...")
	if day.Valid() {
		rec.Running(ctx, liturgy.PhaseCheck, "Valid content, skipping fetch...")
		rec.Running(ctx, liturgy.PhaseCheck, "Completed check for "+key)
		return false, nil
	}

	rec.Running(ctx, liturgy.PhaseCheck, "Invalid content, removing "+day.ID)
	if err := c.store.DeleteDay(ctx, day.ID); err != nil && !errors.Is(err, liturgy.ErrNotFound) {
		return false, fmt.Errorf("delete invalid day %s: %w", day.ID, err)
	}
	rec.Running(ctx, liturgy.PhaseCheck, "Document cleaned, ready for re-fetch.")
	rec.Running(ctx, liturgy.PhaseCheck, "Completed check for "+key)
	return true, nil
}
