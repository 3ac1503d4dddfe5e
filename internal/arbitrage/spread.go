package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// SpreadConfig configures the cross-venue spread scan.
type SpreadConfig struct {
	MinProfit   float64 // minimum per-unit profit after fees
	MinNotional float64 // tradeable size * ask must exceed this
	MaxQuantity float64 // 0 means bounded only by book size
	Fees        FeeSchedule
	// Instruments supplies the profit currency; optional.
	Instruments map[string]domain.Instrument
}

// Spread finds instruments whose bid on one venue exceeds the ask on another
// by more than both venues' fees.
type Spread struct {
	cfg    SpreadConfig
	logger *slog.Logger
}

// NewSpread creates a cross-venue spread scanner.
func NewSpread(cfg SpreadConfig, logger *slog.Logger) *Spread {
	return &Spread{cfg: cfg, logger: logger.With(slog.String("arb_scanner", "spread"))}
}

// Name returns the scanner identifier.
func (s *Spread) Name() string { return "spread" }

// SpreadProfit is the per-unit profit of selling at sell.BidPrice and buying
// at buy.AskPrice, net of proportional fees on both venues.
func SpreadProfit(sell, buy domain.Quote, sellFee, buyFee float64) float64 {
	return sell.BidPrice - buy.AskPrice - sell.BidPrice*sellFee - buy.AskPrice*buyFee
}

type spreadCandidate struct {
	sell, buy domain.Quote
	unit      float64
	size      float64
	staleness time.Duration
}

// Scan evaluates every ordered venue pair of every instrument quoted on at
// least two venues and keeps the best pair per instrument.
func (s *Spread) Scan(ctx context.Context, snap domain.Snapshot) ([]domain.Opportunity, error) {
	byInstr := snap.ByInstrument()
	instruments := make([]string, 0, len(byInstr))
	for k, qs := range byInstr {
		if len(qs) >= 2 {
			instruments = append(instruments, k)
		}
	}
	sort.Strings(instruments)

	var out []domain.Opportunity
	for _, instr := range instruments {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		best, ok := s.bestPair(snap, byInstr[instr])
		if !ok {
			continue
		}
		out = append(out, s.opportunity(snap, best))
	}
	return out, nil
}

func (s *Spread) bestPair(snap domain.Snapshot, quotes []domain.Quote) (spreadCandidate, bool) {
	var (
		best  spreadCandidate
		found bool
	)
	for _, sell := range quotes {
		for _, buy := range quotes {
			if sell.Venue == buy.Venue {
				continue
			}
			unit := SpreadProfit(sell, buy, s.cfg.Fees.Rate(sell.Venue), s.cfg.Fees.Rate(buy.Venue))
			if unit <= s.cfg.MinProfit {
				continue
			}
			size := math.Min(sell.BidSize, buy.AskSize)
			if s.cfg.MaxQuantity > 0 {
				size = math.Min(size, s.cfg.MaxQuantity)
			}
			if size <= 0 || size*buy.AskPrice <= s.cfg.MinNotional {
				continue
			}
			c := spreadCandidate{
				sell:      sell,
				buy:       buy,
				unit:      unit,
				size:      size,
				staleness: snap.Staleness(sell) + snap.Staleness(buy),
			}
			if !found || c.unit > best.unit || (c.unit == best.unit && c.staleness < best.staleness) {
				best, found = c, true
			}
		}
	}
	return best, found
}

func (s *Spread) opportunity(snap domain.Snapshot, c spreadCandidate) domain.Opportunity {
	legs := []domain.Leg{
		{Venue: c.buy.Venue, Instrument: c.buy.Instrument, Side: domain.OrderSideBuy, Quantity: c.size, LimitPrice: c.buy.AskPrice},
		{Venue: c.sell.Venue, Instrument: c.sell.Instrument, Side: domain.OrderSideSell, Quantity: c.size, LimitPrice: c.sell.BidPrice},
	}
	opp := domain.Opportunity{
		ID:             newID(),
		Kind:           domain.KindSpread,
		Legs:           legs,
		ExpectedProfit: c.unit * c.size,
		ProfitCurrency: s.cfg.Instruments[c.buy.Instrument].Quote,
		DetectedAt:     snap.At,
		Expiry:         snap.EarliestExpiry(c.buy, c.sell),
		Fingerprint:    domain.Fingerprint(domain.KindSpread, legs),
		Meta: map[string]float64{
			"unit_profit":  c.unit,
			"staleness_ms": float64(c.staleness.Milliseconds()),
		},
	}
	s.logger.Debug("spread opportunity detected",
		slog.String("instrument", c.buy.Instrument),
		slog.String("buy_venue", c.buy.Venue),
		slog.String("sell_venue", c.sell.Venue),
		slog.Float64("unit_profit", c.unit),
		slog.Float64("size", c.size),
	)
	return opp
}
