package mailer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/ingest"
	"github.com/ticnsp/eaas/internal/jobs"
	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/runlog"
)

// Handler runs email jobs.
type Handler struct {
	days   liturgy.DayReader
	sender Sender
	from   string
	logger *zap.Logger
}

// NewHandler builds a Handler sending as from.
func NewHandler(days liturgy.DayReader, sender Sender, from string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{days: days, sender: sender, from: from, logger: logger.Named("mailer")}
}

// Handle loads the day for job and mails the digest to job.ToEmail.
func (h *Handler) Handle(ctx context.Context, job jobs.Job, rec *runlog.Recorder) error {
	if job.Kind != jobs.KindEmail {
		return ingest.Permanentf("mailer cannot handle %s jobs", job.Kind)
	}
	if job.ToEmail == "" {
		return ingest.Permanentf("email job for %s has no recipient", job.Key())
	}

	rec.Running(ctx, liturgy.PhaseCheck, fmt.Sprintf("Loading liturgy for %s %s", job.Date, job.Lang))
	day, err := h.days.FindDay(ctx, job.Date, job.Lang)
	switch {
	case errors.Is(err, liturgy.ErrNotFound):
		return ingest.Permanentf("no liturgy stored for %s %s", job.Date, job.Lang)
	case err != nil:
		return fmt.Errorf("load day: %w", err)
	case !day.Valid():
		return ingest.Permanentf("stored liturgy for %s %s has no readings", job.Date, job.Lang)
	}

	subject, body, err := Render(day)
	if err != nil {
		return ingest.Permanent(err)
	}

	rec.Running(ctx, liturgy.PhaseSend, "Sending digest to "+job.ToEmail)
	if err := h.sender.Send(ctx, Message{From: h.from, To: job.ToEmail, Subject: subject, Body: body}); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	h.logger.Info("digest sent", zap.String("key", job.Key()), zap.String("to", job.ToEmail))
	return nil
}
