package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// OutcomeSink stores "rejected" as the outcome of opportunities the risk
// gate declined. Executed opportunities get their outcome from the
// coordinator when the attempt ends.
type OutcomeSink struct {
	store   domain.OpportunityStore
	timeout time.Duration
	logger  *slog.Logger
}

func NewOutcomeSink(store domain.OpportunityStore, logger *slog.Logger) *OutcomeSink {
	return &OutcomeSink{
		store:   store,
		timeout: 3 * time.Second,
		logger:  logger.With(slog.String("component", "event_outcome_sink")),
	}
}

func (s *OutcomeSink) Emit(ctx context.Context, ev domain.Event) {
	if ev.Type != domain.EventOpportunityRejected || ev.OpportunityID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	err := s.store.MarkOutcome(ctx, ev.OpportunityID, "rejected", ev.Reason)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "mark outcome failed",
			slog.String("opp_id", ev.OpportunityID),
			slog.String("error", err.Error()),
		)
	}
}
