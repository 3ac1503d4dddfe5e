// Package pipeline runs the engine's periodic maintenance jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ArchiveSchedule moves terminal attempts older than the retention window
// to cold storage on a cron schedule.
type ArchiveSchedule struct {
	archiver  domain.Archiver
	retention time.Duration
	cron      *schedule
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveSchedule parses cronExpr. Each run archives attempts completed
// more than retention ago. An empty cronExpr gives a job that only runs
// through RunOnce.
func NewArchiveSchedule(archiver domain.Archiver, retention time.Duration, cronExpr string, logger *slog.Logger) (*ArchiveSchedule, error) {
	var cron *schedule
	if cronExpr != "" {
		s, err := parseSchedule(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("pipeline: archive schedule: %w", err)
		}
		cron = &s
	}
	return &ArchiveSchedule{
		archiver:  archiver,
		retention: retention,
		cron:      cron,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive_schedule"), slog.String("cron", cronExpr)),
	}, nil
}

// RunOnce archives everything that completed before now minus retention.
func (s *ArchiveSchedule) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.archiver.ArchiveAttempts(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pipeline: archive before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("attempts", n),
	)
	return n, nil
}

// Run sleeps until each scheduled time and archives. A failed run is logged
// and retried at the next scheduled time.
func (s *ArchiveSchedule) Run(ctx context.Context) error {
	if s.cron == nil {
		return errors.New("pipeline: archive schedule has no cron expression")
	}
	for {
		next, ok := s.cron.next(s.now().UTC())
		if !ok {
			return errors.New("pipeline: archive schedule never fires")
		}
		wait := next.Sub(s.now())
		s.logger.DebugContext(ctx, "archive scheduled", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
