// Package executor turns approved opportunities into venue orders, unwinds
// partial fills and books the results in the position ledger.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

// storeTimeout bounds persistence of a finished attempt.
const storeTimeout = 5 * time.Second

// Config holds the coordinator's timing and retry limits.
type Config struct {
	AckTimeout         time.Duration
	MinAckTimeout      time.Duration
	StatusTimeout      time.Duration
	SubmitRetries      int
	UnwindTimeout      time.Duration
	UnwindRetries      int
	UnwindSlippageBps  float64
	MaxResidual        float64
	StatisticalRetries int
	StatisticalGrace   time.Duration
	MaxConcurrent      int
	DedupTTL           time.Duration
}

// Venues resolves a venue id to its order adapter.
type Venues interface {
	Get(venue string) (domain.VenueAdapter, error)
}

// QuoteSource prices unwind orders.
type QuoteSource interface {
	Latest(venue, instrument string) (domain.Quote, bool)
}

// HealthRecorder is told about every order outcome.
type HealthRecorder interface {
	RecordOrderResult(venue string, failed bool)
}

// Deps are the coordinator's collaborators. Sink, Attempts, Opportunities
// and Now are optional.
type Deps struct {
	Venues        Venues
	Ledger        *ledger.Ledger
	Quotes        QuoteSource
	Health        HealthRecorder
	Sink          domain.EventSink
	Attempts      domain.AttemptStore
	Opportunities domain.OpportunityStore
	Now           func() time.Time
}

// Coordinator executes approved opportunities. Each opportunity runs at most
// once and at most Config.MaxConcurrent attempts run at a time.
type Coordinator struct {
	cfg     Config
	venues  Venues
	ledger  *ledger.Ledger
	quotes  QuoteSource
	health  HealthRecorder
	sink    domain.EventSink
	attempt domain.AttemptStore
	opps    domain.OpportunityStore
	dedup   *Dedup
	sem     *semaphore.Weighted
	now     func() time.Time
	logger  *slog.Logger
}

type nopHealth struct{}

func (nopHealth) RecordOrderResult(string, bool) {}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = time.Second
	}
	if cfg.UnwindTimeout <= 0 {
		cfg.UnwindTimeout = 5 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sink == nil {
		deps.Sink = domain.NopSink{}
	}
	if deps.Health == nil {
		deps.Health = nopHealth{}
	}
	return &Coordinator{
		cfg:     cfg,
		venues:  deps.Venues,
		ledger:  deps.Ledger,
		quotes:  deps.Quotes,
		health:  deps.Health,
		sink:    deps.Sink,
		attempt: deps.Attempts,
		opps:    deps.Opportunities,
		dedup:   NewDedup(cfg.DedupTTL, deps.Now),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		now:     deps.Now,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// Cleanup evicts expired dedup entries.
func (c *Coordinator) Cleanup() { c.dedup.Cleanup() }

// Execute runs one approved opportunity to a terminal state. The returned
// attempt carries the outcome; an error means the attempt never started.
func (c *Coordinator) Execute(ctx context.Context, appr risk.Approval) (*domain.ExecutionAttempt, error) {
	opp := appr.Opportunity
	if c.dedup.IsDuplicate(opp.ID) {
		c.releaseReservation(ctx, appr.AttemptID)
		return nil, fmt.Errorf("executor: opportunity %s: %w", opp.ID, domain.ErrDuplicate)
	}

	now := c.now()
	att := &domain.ExecutionAttempt{
		ID:             appr.AttemptID,
		OpportunityID:  opp.ID,
		Kind:           opp.Kind,
		State:          domain.AttemptCreated,
		ExpectedProfit: opp.ExpectedProfit,
		ProfitCurrency: opp.ProfitCurrency,
		CreatedAt:      now,
	}
	log := c.logger.With(
		slog.String("attempt_id", att.ID),
		slog.String("opp_id", opp.ID),
		slog.String("kind", string(opp.Kind)),
	)

	// Waiting for a slot never outlives the opportunity, so a reservation is
	// not held for a trade that can no longer be placed.
	if !risk.Expired(opp, now, c.cfg.StatisticalGrace) {
		var err error
		if !c.sem.TryAcquire(1) {
			actx, cancel := context.WithTimeout(ctx, c.validFor(opp, now))
			err = c.sem.Acquire(actx, 1)
			cancel()
		}
		switch {
		case err == nil:
			defer c.sem.Release(1)
			now = c.now()
		case ctx.Err() != nil:
			c.releaseReservation(ctx, appr.AttemptID)
			return nil, fmt.Errorf("executor: acquire slot: %w", err)
		default:
			c.expire(ctx, att, opp, log, "opportunity expired waiting for an execution slot", now)
			return att, nil
		}
	}

	if risk.Expired(opp, now, c.cfg.StatisticalGrace) {
		c.expire(ctx, att, opp, log, "opportunity expired before submission", now)
		return att, nil
	}

	_ = att.Transition(domain.AttemptExecuting)
	switch opp.Kind {
	case domain.KindSpread, domain.KindTriangular:
		c.executeConcurrent(ctx, att, opp)
	case domain.KindStatistical:
		c.executeSequential(ctx, att, opp)
	default:
		c.releaseReservation(ctx, att.ID)
		att.Reason = domain.ReasonInvalid
		_ = att.Transition(domain.AttemptFailed)
	}

	c.finish(ctx, att, opp)
	return att, nil
}

// expire fails att as expired without submitting anything.
func (c *Coordinator) expire(ctx context.Context, att *domain.ExecutionAttempt, opp domain.Opportunity, log *slog.Logger, msg string, now time.Time) {
	c.releaseReservation(ctx, att.ID)
	att.Reason = domain.ReasonExpired
	_ = att.Transition(domain.AttemptFailed)
	log.InfoContext(ctx, msg, slog.Duration("late_by", now.Sub(opp.Expiry)))
	c.finish(ctx, att, opp)
}

// validFor is how long opp can still be submitted, including the grace a
// statistical opportunity gets.
func (c *Coordinator) validFor(opp domain.Opportunity, now time.Time) time.Duration {
	d := opp.Expiry.Sub(now)
	if opp.Kind == domain.KindStatistical {
		d += c.cfg.StatisticalGrace
	}
	return d
}

// executeConcurrent fires every leg at once. Legs that filled while others
// did not are unwound.
func (c *Coordinator) executeConcurrent(ctx context.Context, att *domain.ExecutionAttempt, opp domain.Opportunity) {
	legs := newLegs(att.ID, opp.Legs)
	timeout := c.ackTimeout(opp, c.now())
	runLegGroup(ctx, legs, func(ctx context.Context, le *domain.LegExecution) {
		c.submit(ctx, le, timeout)
	})
	att.Legs = legs

	full, anyFill := 0, false
	for _, l := range legs {
		if l.State == domain.LegFilled {
			full++
		}
		if l.FilledQty > 0 {
			anyFill = true
		}
	}

	if !c.settle(ctx, att) {
		return
	}

	switch {
	case full == len(legs):
		_ = att.Transition(domain.AttemptCompleted)
	case !anyFill:
		att.Reason = firstReason(legs)
		_ = att.Transition(domain.AttemptFailed)
	default:
		_ = att.Transition(domain.AttemptUnwinding)
		c.unwind(ctx, att)
	}
}

// executeSequential submits legs one at a time. A rejected leg is retried
// under a fresh id; if it still does not fill the attempt is aborted and any
// earlier fills are kept as directional exposure.
func (c *Coordinator) executeSequential(ctx context.Context, att *domain.ExecutionAttempt, opp domain.Opportunity) {
	aborted := false
	for i, leg := range opp.Legs {
		var le domain.LegExecution
		for try := 0; try <= c.cfg.StatisticalRetries; try++ {
			id := ClientOrderID(att.ID, i)
			if try > 0 {
				id = RetryOrderID(att.ID, i, try)
			}
			le = domain.LegExecution{Index: i, Leg: leg, ClientOrderID: id, State: domain.LegPending}
			c.submit(ctx, &le, c.ackTimeout(opp, c.now()))
			if le.State != domain.LegRejected || ctx.Err() != nil {
				break
			}
			if try < c.cfg.StatisticalRetries {
				c.logger.InfoContext(ctx, "statistical leg rejected, retrying",
					slog.String("attempt_id", att.ID),
					slog.Int("leg", i),
				)
			}
		}
		att.Legs = append(att.Legs, le)
		if le.FilledQty <= 0 {
			aborted = true
			break
		}
	}

	if !c.settle(ctx, att) {
		return
	}

	if !aborted {
		_ = att.Transition(domain.AttemptCompleted)
		return
	}

	filled := false
	for _, l := range att.Legs {
		if l.FilledQty > 0 {
			filled = true
			break
		}
	}
	if !filled {
		att.Reason = firstReason(att.Legs)
		_ = att.Transition(domain.AttemptFailed)
		return
	}

	att.Reason = domain.ReasonStatisticalLegAborted
	_ = att.Transition(domain.AttemptFailed)
	for _, l := range att.Legs {
		if l.FilledQty <= 0 {
			continue
		}
		c.recordExposure(att, l.Leg.Venue, l.Leg.Instrument, l.SignedFill(), domain.ReasonStatisticalLegAborted)
	}
}

// settle books primary fills in leg order and releases the rest of the
// reservation. On a ledger error the attempt fails.
func (c *Coordinator) settle(ctx context.Context, att *domain.ExecutionAttempt) bool {
	var fills []ledger.Fill
	for _, l := range att.Legs {
		if l.FilledQty > 0 {
			fills = append(fills, ledger.NewFill(l.Index, l.Leg.Venue, l.Leg.Instrument, l.SignedFill(), l.AvgPrice))
		}
	}
	if err := c.ledger.Settle(att.ID, fills); err != nil {
		c.logger.ErrorContext(ctx, "ledger settle failed",
			slog.String("attempt_id", att.ID),
			slog.String("error", err.Error()),
		)
		c.releaseReservation(ctx, att.ID)
		att.Reason = domain.ReasonLedgerInconsistency
		_ = att.Transition(domain.AttemptFailed)
		// The fills happened at the venues even though the ledger refused
		// them, so they stay visible as exposure.
		for _, l := range att.Legs {
			if l.FilledQty > 0 {
				c.recordExposure(att, l.Leg.Venue, l.Leg.Instrument, l.SignedFill(), domain.ReasonLedgerInconsistency)
			}
		}
		return false
	}

	for i := range att.Legs {
		l := &att.Legs[i]
		if l.FilledQty > 0 {
			c.sink.Emit(ctx, domain.Event{
				Type:          domain.EventLegFilled,
				At:            c.now(),
				OpportunityID: att.OpportunityID,
				AttemptID:     att.ID,
				Kind:          att.Kind,
				Detail: map[string]any{
					"leg":             l.Index,
					"client_order_id": l.ClientOrderID,
					"venue":           l.Leg.Venue,
					"instrument":      l.Leg.Instrument,
					"side":            string(l.Leg.Side),
					"filled_qty":      l.FilledQty,
					"avg_price":       l.AvgPrice,
				},
			})
		}
		_ = l.Transition(domain.LegSettled)
	}
	return true
}

func (c *Coordinator) releaseReservation(ctx context.Context, attemptID string) {
	if err := c.ledger.Release(attemptID); err != nil {
		c.logger.WarnContext(ctx, "release reservation failed",
			slog.String("attempt_id", attemptID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) recordExposure(att *domain.ExecutionAttempt, venue, instrument string, qty float64, reason domain.ReasonCode) {
	e := domain.Exposure{
		AttemptID:  att.ID,
		Venue:      venue,
		Instrument: instrument,
		Quantity:   qty,
		Reason:     reason,
		RecordedAt: c.now(),
	}
	att.Exposures = append(att.Exposures, e)
	c.ledger.RecordExposure(e)
}

func firstReason(legs []domain.LegExecution) domain.ReasonCode {
	for _, l := range legs {
		if l.Reason != domain.ReasonNone {
			return l.Reason
		}
	}
	return domain.ReasonOrderRejected
}

// realizedPnL is signed cash flow net of fees for spread and statistical
// attempts. Triangular legs are priced in different currencies, so a
// completed cycle books the expected profit scaled by its weakest fill.
func realizedPnL(att *domain.ExecutionAttempt) float64 {
	if att.Kind == domain.KindTriangular {
		if att.State != domain.AttemptCompleted {
			return 0
		}
		ratio := 1.0
		for _, l := range att.Legs {
			if l.Leg.Quantity > 0 {
				ratio = math.Min(ratio, l.FilledQty/l.Leg.Quantity)
			}
		}
		return att.ExpectedProfit * ratio
	}

	var pnl float64
	for _, set := range [][]domain.LegExecution{att.Legs, att.Unwinds} {
		for _, l := range set {
			pnl += -l.SignedFill()*l.AvgPrice - l.Fee
		}
	}
	return pnl
}

// finish stamps the attempt, publishes its terminal event and persists it.
func (c *Coordinator) finish(ctx context.Context, att *domain.ExecutionAttempt, opp domain.Opportunity) {
	att.CompletedAt = c.now()
	att.RealizedPnL = realizedPnL(att)

	evType := domain.EventAttemptFailed
	switch att.State {
	case domain.AttemptCompleted:
		evType = domain.EventAttemptCompleted
	case domain.AttemptUnwound:
		evType = domain.EventAttemptUnwound
	}
	c.sink.Emit(ctx, domain.Event{
		Type:          evType,
		At:            att.CompletedAt,
		OpportunityID: opp.ID,
		AttemptID:     att.ID,
		Kind:          att.Kind,
		Reason:        att.Reason,
		Detail: map[string]any{
			"expected_profit": att.ExpectedProfit,
			"realized_pnl":    att.RealizedPnL,
			"legs":            len(att.Legs),
			"unwinds":         len(att.Unwinds),
			"exposures":       len(att.Exposures),
		},
	})

	level := slog.LevelInfo
	if att.State == domain.AttemptFailed {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "attempt finished",
		slog.String("attempt_id", att.ID),
		slog.String("opp_id", opp.ID),
		slog.String("kind", string(att.Kind)),
		slog.String("state", string(att.State)),
		slog.String("reason", string(att.Reason)),
		slog.Float64("realized_pnl", att.RealizedPnL),
	)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if c.attempt != nil {
		if err := c.attempt.Save(sctx, *att); err != nil {
			c.logger.WarnContext(ctx, "attempt save failed",
				slog.String("attempt_id", att.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if c.opps != nil {
		if err := c.opps.MarkOutcome(sctx, opp.ID, string(att.State), att.Reason); err != nil {
			c.logger.WarnContext(ctx, "opportunity outcome update failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
