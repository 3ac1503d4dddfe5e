package arbitrage

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PairSpec names two correlated instruments traded on one venue.
type PairSpec struct {
	ID    string
	Venue string
	A     string
	B     string
}

// StatisticalConfig configures the pair-divergence scan.
type StatisticalConfig struct {
	Lookback         int     // samples in the rolling window
	ZThreshold       float64 // |z| must exceed this
	MinCorrelation   float64 // return correlation must stay at or above this
	CorrelationEvery int     // re-estimate correlation every N samples
	Notional         float64 // per-leg notional in quote currency
	Pairs            []PairSpec
	Fees             FeeSchedule
	// Instruments supplies the profit currency; optional.
	Instruments map[string]domain.Instrument
}

// series is a fixed-capacity rolling window.
type series struct {
	buf  []float64
	next int
	full bool
}

func newSeries(n int) *series { return &series{buf: make([]float64, n)} }

func (s *series) push(v float64) {
	s.buf[s.next] = v
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
}

func (s *series) len() int {
	if s.full {
		return len(s.buf)
	}
	return s.next
}

// values returns the window oldest-first.
func (s *series) values() []float64 {
	if !s.full {
		return append([]float64(nil), s.buf[:s.next]...)
	}
	return append(append([]float64(nil), s.buf[s.next:]...), s.buf[:s.next]...)
}

// meanStd is the population mean and standard deviation of xs.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(xs, nil)
}

// Pearson returns the correlation of two equal-length series, or false when
// either has no variance.
func Pearson(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) < 3 {
		return 0, false
	}
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0, false
	}
	return c, true
}

type pairState struct {
	spec         PairSpec
	ratio        *series
	retA, retB   *series
	lastSeqA     uint64
	lastSeqB     uint64
	lastMidA     float64
	lastMidB     float64
	samples      int
	corr         float64
	corrEstimate bool
}

// Statistical tracks the log price ratio of configured pairs and emits a
// converging trade when the ratio diverges from its rolling mean. It keeps
// rolling state across snapshots, so Scan must only be called from a single
// detector pass at a time.
type Statistical struct {
	cfg    StatisticalConfig
	logger *slog.Logger

	mu    sync.Mutex
	pairs []*pairState
}

// NewStatistical creates a pair-divergence scanner.
func NewStatistical(cfg StatisticalConfig, logger *slog.Logger) *Statistical {
	if cfg.Lookback < 3 {
		cfg.Lookback = 3
	}
	if cfg.CorrelationEvery < 1 {
		cfg.CorrelationEvery = 1
	}
	s := &Statistical{cfg: cfg, logger: logger.With(slog.String("arb_scanner", "statistical"))}
	for _, p := range cfg.Pairs {
		s.pairs = append(s.pairs, &pairState{
			spec:  p,
			ratio: newSeries(cfg.Lookback),
			retA:  newSeries(cfg.Lookback - 1),
			retB:  newSeries(cfg.Lookback - 1),
		})
	}
	return s
}

// Name returns the scanner identifier.
func (s *Statistical) Name() string { return "statistical" }

// Correlation returns the latest estimated return correlation between two
// instruments of any configured pair.
func (s *Statistical) Correlation(a, b string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pairs {
		if (p.spec.A == a && p.spec.B == b) || (p.spec.A == b && p.spec.B == a) {
			return p.corr, p.corrEstimate
		}
	}
	return 0, false
}

// Scan adds one sample per pair whose quotes changed and emits opportunities
// for pairs that are both diverged and still correlated.
func (s *Statistical) Scan(ctx context.Context, snap domain.Snapshot) ([]domain.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Opportunity
	for _, p := range s.pairs {
		qa, okA := snap.Get(p.spec.Venue, p.spec.A)
		qb, okB := snap.Get(p.spec.Venue, p.spec.B)
		if !okA || !okB {
			continue
		}
		if p.samples > 0 && qa.Sequence == p.lastSeqA && qb.Sequence == p.lastSeqB {
			continue
		}
		if opp, ok := s.sample(p, snap, qa, qb); ok {
			out = append(out, opp)
		}
	}
	return out, nil
}

func (s *Statistical) sample(p *pairState, snap domain.Snapshot, qa, qb domain.Quote) (domain.Opportunity, bool) {
	midA, midB := qa.Mid(), qb.Mid()
	if midA <= 0 || midB <= 0 {
		return domain.Opportunity{}, false
	}
	x := math.Log(midA / midB)
	if p.samples > 0 {
		p.retA.push(math.Log(midA / p.lastMidA))
		p.retB.push(math.Log(midB / p.lastMidB))
	}
	p.ratio.push(x)
	p.samples++
	p.lastSeqA, p.lastSeqB = qa.Sequence, qb.Sequence
	p.lastMidA, p.lastMidB = midA, midB

	if p.samples%s.cfg.CorrelationEvery == 0 {
		if c, ok := Pearson(p.retA.values(), p.retB.values()); ok {
			p.corr, p.corrEstimate = c, true
		}
	}

	if p.ratio.len() < s.cfg.Lookback {
		return domain.Opportunity{}, false
	}
	mean, std := meanStd(p.ratio.values())
	if std == 0 {
		return domain.Opportunity{}, false
	}
	z := (x - mean) / std
	if math.Abs(z) <= s.cfg.ZThreshold {
		return domain.Opportunity{}, false
	}
	if !p.corrEstimate || p.corr < s.cfg.MinCorrelation {
		s.logger.Debug("divergence ignored, correlation too weak",
			slog.String("pair", p.spec.ID),
			slog.Float64("z", z),
			slog.Float64("corr", p.corr),
		)
		return domain.Opportunity{}, false
	}

	fee := s.cfg.Fees.Rate(p.spec.Venue)
	expected := s.cfg.Notional*math.Abs(x-mean) - 4*s.cfg.Notional*fee
	if expected <= 0 {
		return domain.Opportunity{}, false
	}

	// z > 0: A is rich relative to B, so sell A and buy B.
	rich, cheap := qa, qb
	if z < 0 {
		rich, cheap = qb, qa
	}
	legs := []domain.Leg{
		{Venue: rich.Venue, Instrument: rich.Instrument, Side: domain.OrderSideSell, Quantity: s.cfg.Notional / rich.BidPrice, LimitPrice: rich.BidPrice},
		{Venue: cheap.Venue, Instrument: cheap.Instrument, Side: domain.OrderSideBuy, Quantity: s.cfg.Notional / cheap.AskPrice, LimitPrice: cheap.AskPrice},
	}

	s.logger.Debug("pair divergence detected",
		slog.String("pair", p.spec.ID),
		slog.Float64("z", z),
		slog.Float64("corr", p.corr),
	)
	return domain.Opportunity{
		ID:             newID(),
		Kind:           domain.KindStatistical,
		Legs:           legs,
		ExpectedProfit: expected,
		ProfitCurrency: s.cfg.Instruments[cheap.Instrument].Quote,
		DetectedAt:     snap.At,
		Expiry:         snap.EarliestExpiry(qa, qb),
		Fingerprint:    domain.Fingerprint(domain.KindStatistical, legs),
		Meta: map[string]float64{
			"z":    z,
			"corr": p.corr,
			"mean": mean,
			"std":  std,
		},
	}, true
}
