// Package risk decides whether a detected opportunity may be executed and
// reserves its exposure in the position ledger.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
)

// Config holds the limits the gate enforces. Zero limits disable the
// corresponding check.
type Config struct {
	DefaultPositionCap    float64
	Caps                  map[domain.QuoteKey]float64
	MaxPortfolioNotional  float64
	MaxCorrelation        float64
	LargeExposureNotional float64
	// Correlations are static coefficients keyed by PairKey.
	Correlations     map[string]float64
	MaxStaleRatio    float64
	MaxErrorRate     float64
	StatisticalGrace time.Duration
}

// PairKey is the order-independent key of an instrument pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "~" + b
}

// Marks prices positions for the portfolio and correlation checks.
type Marks interface {
	Mid(venue, instrument string) (float64, bool)
}

// VenueHealth reports rolling feed and order quality per venue.
type VenueHealth interface {
	StaleRatio(venue string) float64
	ErrorRate(venue string) float64
}

// CorrelationSource supplies live correlation estimates, typically the
// statistical scanner.
type CorrelationSource interface {
	Correlation(a, b string) (float64, bool)
}

// Approval authorizes one execution attempt. Its deltas are already reserved
// in the ledger under AttemptID.
type Approval struct {
	AttemptID   string
	Opportunity domain.Opportunity
	ApprovedAt  time.Time
}

// Gate runs the pre-trade checks in a fixed order and reserves exposure for
// opportunities that pass.
type Gate struct {
	cfg    Config
	ledger *ledger.Ledger
	marks  Marks
	health VenueHealth
	corr   CorrelationSource
	sink   domain.EventSink
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithCorrelationSource adds a live correlation estimator consulted after
// the static table.
func WithCorrelationSource(c CorrelationSource) Option { return func(g *Gate) { g.corr = c } }

// WithSink sets where rejection events go.
func WithSink(s domain.EventSink) Option { return func(g *Gate) { g.sink = s } }

// NewGate creates a Gate over the shared ledger.
func NewGate(cfg Config, l *ledger.Ledger, marks Marks, health VenueHealth, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		cfg:    cfg,
		ledger: l,
		marks:  marks,
		health: health,
		sink:   domain.NopSink{},
		now:    time.Now,
		logger: logger.With(slog.String("component", "risk_gate")),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Approve checks opp and, if every check passes, reserves its leg deltas.
// A rejection is a *domain.RiskRejection and is never retried.
func (g *Gate) Approve(ctx context.Context, opp domain.Opportunity) (Approval, error) {
	now := g.now()
	if err := g.check(opp, now); err != nil {
		return Approval{}, g.reject(ctx, opp, err)
	}

	attemptID := uuid.Must(uuid.NewRandom()).String()
	deltas := make([]ledger.Delta, len(opp.Legs))
	for i, l := range opp.Legs {
		deltas[i] = ledger.NewDelta(i, l.Venue, l.Instrument, l.SignedQuantity())
	}
	if err := g.ledger.Reserve(attemptID, deltas, g.capFor); err != nil {
		reason := domain.ReasonLedgerInconsistency
		if errors.Is(err, domain.ErrExposureLimit) {
			reason = domain.ReasonExposureLimit
		}
		return Approval{}, g.reject(ctx, opp, &domain.RiskRejection{Reason: reason, Detail: err.Error()})
	}

	g.logger.DebugContext(ctx, "opportunity approved",
		slog.String("opp_id", opp.ID),
		slog.String("attempt_id", attemptID),
		slog.String("kind", string(opp.Kind)),
	)
	return Approval{AttemptID: attemptID, Opportunity: opp, ApprovedAt: now}, nil
}

// Expired reports whether opp can no longer be acted on at now. Statistical
// opportunities keep a grace period because they do not depend on a single
// quote being current.
func Expired(opp domain.Opportunity, now time.Time, grace time.Duration) bool {
	if opp.Kind == domain.KindStatistical {
		return now.After(opp.Expiry.Add(grace))
	}
	return opp.Expired(now)
}

func (g *Gate) check(opp domain.Opportunity, now time.Time) *domain.RiskRejection {
	if err := opp.Validate(); err != nil {
		return &domain.RiskRejection{Reason: domain.ReasonInvalid, Detail: err.Error()}
	}
	if Expired(opp, now, g.cfg.StatisticalGrace) {
		return &domain.RiskRejection{
			Reason: domain.ReasonExpired,
			Detail: fmt.Sprintf("expired %s ago", now.Sub(opp.Expiry).Round(time.Millisecond)),
		}
	}

	snap := g.ledger.Snapshot()
	if rej := g.checkCaps(opp, snap); rej != nil {
		return rej
	}
	if rej := g.checkPortfolio(opp, snap); rej != nil {
		return rej
	}
	if rej := g.checkCorrelation(opp, snap); rej != nil {
		return rej
	}
	return g.checkHealth(opp)
}

func (g *Gate) capFor(venue, instrument string) (decimal.Decimal, bool) {
	if c, ok := g.cfg.Caps[domain.QuoteKey{Venue: venue, Instrument: instrument}]; ok {
		return decimal.NewFromFloat(c), true
	}
	if g.cfg.DefaultPositionCap > 0 {
		return decimal.NewFromFloat(g.cfg.DefaultPositionCap), true
	}
	return decimal.Zero, false
}

// checkCaps applies the ledger's worst-case cap rule to the pre-trade
// snapshot: buys and sells on a key are summed separately and never net.
func (g *Gate) checkCaps(opp domain.Opportunity, snap ledger.Snapshot) *domain.RiskRejection {
	type gross struct{ buy, sell decimal.Decimal }
	perKey := make(map[domain.QuoteKey]*gross)
	var order []domain.QuoteKey
	for _, l := range opp.Legs {
		k := domain.QuoteKey{Venue: l.Venue, Instrument: l.Instrument}
		sd, ok := perKey[k]
		if !ok {
			sd = &gross{buy: decimal.Zero, sell: decimal.Zero}
			perKey[k] = sd
			order = append(order, k)
		}
		q := decimal.NewFromFloat(l.SignedQuantity())
		if q.Sign() > 0 {
			sd.buy = sd.buy.Add(q)
		} else {
			sd.sell = sd.sell.Sub(q)
		}
	}
	for _, k := range order {
		limit, ok := g.capFor(k.Venue, k.Instrument)
		if !ok {
			continue
		}
		if after, breach := snap.Positions[k].Breach(perKey[k].buy, perKey[k].sell, limit); breach {
			return &domain.RiskRejection{
				Reason: domain.ReasonExposureLimit,
				Detail: fmt.Sprintf("%s could reach %s (cap %s)", k, after.String(), limit.String()),
			}
		}
	}
	return nil
}

func (g *Gate) mark(p domain.Position) float64 {
	if g.marks != nil {
		if m, ok := g.marks.Mid(p.Venue, p.Instrument); ok {
			return m
		}
	}
	f, _ := p.LastPrice.Float64()
	return f
}

func (g *Gate) checkPortfolio(opp domain.Opportunity, snap ledger.Snapshot) *domain.RiskRejection {
	if g.cfg.MaxPortfolioNotional <= 0 {
		return nil
	}
	var total float64
	for _, p := range snap.Positions {
		q, _ := p.Committed().Float64()
		total += math.Abs(q) * g.mark(p)
	}
	total += opp.Notional()
	if total > g.cfg.MaxPortfolioNotional {
		return &domain.RiskRejection{
			Reason: domain.ReasonPortfolioLimit,
			Detail: fmt.Sprintf("portfolio notional %.2f exceeds %.2f", total, g.cfg.MaxPortfolioNotional),
		}
	}
	return nil
}

func (g *Gate) correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	if c, ok := g.cfg.Correlations[PairKey(a, b)]; ok {
		return c, true
	}
	if g.corr != nil {
		return g.corr.Correlation(a, b)
	}
	return 0, false
}

// checkCorrelation rejects trades that add to a large existing exposure
// through a strongly correlated instrument.
func (g *Gate) checkCorrelation(opp domain.Opportunity, snap ledger.Snapshot) *domain.RiskRejection {
	if g.cfg.MaxCorrelation <= 0 || g.cfg.LargeExposureNotional <= 0 {
		return nil
	}

	exposure := make(map[string]float64)
	for _, p := range snap.Positions {
		q, _ := p.Committed().Float64()
		exposure[p.Instrument] += q * g.mark(p)
	}
	delta := make(map[string]float64)
	for _, l := range opp.Legs {
		delta[l.Instrument] += l.SignedQuantity()
	}

	for held, notional := range exposure {
		if math.Abs(notional) < g.cfg.LargeExposureNotional {
			continue
		}
		for instr, d := range delta {
			if d == 0 {
				continue
			}
			c, ok := g.correlation(held, instr)
			if !ok || math.Abs(c) < g.cfg.MaxCorrelation {
				continue
			}
			if sign(d)*sign(c) == sign(notional) {
				return &domain.RiskRejection{
					Reason: domain.ReasonCorrelationLimit,
					Detail: fmt.Sprintf("%s adds to %.2f exposure in %s (corr %.2f)", instr, notional, held, c),
				}
			}
		}
	}
	return nil
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

func (g *Gate) checkHealth(opp domain.Opportunity) *domain.RiskRejection {
	if g.health == nil {
		return nil
	}
	for _, v := range opp.Venues() {
		if g.cfg.MaxStaleRatio > 0 && g.health.StaleRatio(v) > g.cfg.MaxStaleRatio {
			return &domain.RiskRejection{
				Reason: domain.ReasonVenueUnhealthy,
				Detail: fmt.Sprintf("%s stale ratio %.2f", v, g.health.StaleRatio(v)),
			}
		}
		if g.cfg.MaxErrorRate > 0 && g.health.ErrorRate(v) > g.cfg.MaxErrorRate {
			return &domain.RiskRejection{
				Reason: domain.ReasonVenueUnhealthy,
				Detail: fmt.Sprintf("%s error rate %.2f", v, g.health.ErrorRate(v)),
			}
		}
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, opp domain.Opportunity, rej *domain.RiskRejection) error {
	g.logger.InfoContext(ctx, "opportunity rejected",
		slog.String("opp_id", opp.ID),
		slog.String("kind", string(opp.Kind)),
		slog.String("reason", string(rej.Reason)),
		slog.String("detail", rej.Detail),
	)
	g.sink.Emit(ctx, domain.Event{
		Type:          domain.EventOpportunityRejected,
		At:            g.now(),
		OpportunityID: opp.ID,
		Kind:          opp.Kind,
		Reason:        rej.Reason,
		Detail:        map[string]any{"detail": rej.Detail},
	})
	return rej
}
