package risk_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixedMarks map[domain.QuoteKey]float64

func (m fixedMarks) Mid(venue, instrument string) (float64, bool) {
	v, ok := m[domain.QuoteKey{Venue: venue, Instrument: instrument}]
	return v, ok
}

type fixedHealth struct {
	stale, errs map[string]float64
}

func (h fixedHealth) StaleRatio(v string) float64 { return h.stale[v] }
func (h fixedHealth) ErrorRate(v string) float64  { return h.errs[v] }

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Emit(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func spreadOpp(qty float64) domain.Opportunity {
	return domain.Opportunity{
		ID:   "opp-1",
		Kind: domain.KindSpread,
		Legs: []domain.Leg{
			{Venue: "a", Instrument: "X", Side: domain.OrderSideBuy, Quantity: qty, LimitPrice: 100},
			{Venue: "b", Instrument: "X", Side: domain.OrderSideSell, Quantity: qty, LimitPrice: 100.6},
		},
		ExpectedProfit: 0.4 * qty,
		DetectedAt:     now,
		Expiry:         now.Add(time.Second),
	}
}

func baseConfig() risk.Config {
	return risk.Config{
		DefaultPositionCap:    10,
		MaxPortfolioNotional:  1_000_000,
		MaxCorrelation:        0.8,
		LargeExposureNotional: 1_000,
		MaxStaleRatio:         0.5,
		MaxErrorRate:          0.5,
		StatisticalGrace:      30 * time.Second,
	}
}

func newGate(cfg risk.Config, l *ledger.Ledger, opts ...risk.Option) *risk.Gate {
	opts = append([]risk.Option{risk.WithClock(func() time.Time { return now })}, opts...)
	return risk.NewGate(cfg, l, fixedMarks{}, fixedHealth{}, discard(), opts...)
}

func TestApproveReservesLegs(t *testing.T) {
	l := ledger.New(func() time.Time { return now }, discard())
	g := newGate(baseConfig(), l)

	appr, err := g.Approve(context.Background(), spreadOpp(3))
	require.NoError(t, err)
	assert.NotEmpty(t, appr.AttemptID)
	assert.Equal(t, now, appr.ApprovedAt)
	assert.Equal(t, 1, l.Outstanding())

	reserved, _ := l.Position("a", "X").Reserved.Float64()
	assert.Equal(t, 3.0, reserved)
	reserved, _ = l.Position("b", "X").Reserved.Float64()
	assert.Equal(t, -3.0, reserved)
}

func TestApproveRejections(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*risk.Config)
		setup  func(*ledger.Ledger)
		health fixedHealth
		opp    domain.Opportunity
		want   domain.ReasonCode
	}{
		{
			name: "expired",
			opp: func() domain.Opportunity {
				o := spreadOpp(1)
				o.Expiry = now.Add(-time.Millisecond)
				return o
			}(),
			want: domain.ReasonExpired,
		},
		{
			name: "invalid",
			opp: func() domain.Opportunity {
				o := spreadOpp(1)
				o.Legs[0].Quantity = 0
				return o
			}(),
			want: domain.ReasonInvalid,
		},
		{
			name: "default cap",
			opp:  spreadOpp(11),
			want: domain.ReasonExposureLimit,
		},
		{
			name: "explicit cap",
			cfg: func(c *risk.Config) {
				c.Caps = map[domain.QuoteKey]float64{{Venue: "b", Instrument: "X"}: 2}
			},
			opp:  spreadOpp(3),
			want: domain.ReasonExposureLimit,
		},
		{
			name: "cap counts existing reservations",
			setup: func(l *ledger.Ledger) {
				require.NoError(t, l.Reserve("other", []ledger.Delta{ledger.NewDelta(0, "a", "X", 8)}, nil))
			},
			opp:  spreadOpp(3),
			want: domain.ReasonExposureLimit,
		},
		{
			name: "opposite reservations do not offset",
			setup: func(l *ledger.Ledger) {
				require.NoError(t, l.Reserve("buy", []ledger.Delta{ledger.NewDelta(0, "a", "X", 5)}, nil))
				require.NoError(t, l.Reserve("sell", []ledger.Delta{ledger.NewDelta(0, "a", "X", -5)}, nil))
			},
			opp:  spreadOpp(6),
			want: domain.ReasonExposureLimit,
		},
		{
			name: "portfolio",
			cfg:  func(c *risk.Config) { c.MaxPortfolioNotional = 500 },
			opp:  spreadOpp(3),
			want: domain.ReasonPortfolioLimit,
		},
		{
			name:   "stale venue",
			health: fixedHealth{stale: map[string]float64{"b": 0.9}},
			opp:    spreadOpp(1),
			want:   domain.ReasonVenueUnhealthy,
		},
		{
			name:   "erroring venue",
			health: fixedHealth{errs: map[string]float64{"a": 0.6}},
			opp:    spreadOpp(1),
			want:   domain.ReasonVenueUnhealthy,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			l := ledger.New(func() time.Time { return now }, discard())
			if tc.setup != nil {
				tc.setup(l)
			}
			before := l.Outstanding()
			sink := &captureSink{}
			g := risk.NewGate(cfg, l, fixedMarks{}, tc.health, discard(),
				risk.WithClock(func() time.Time { return now }),
				risk.WithSink(sink),
			)

			_, err := g.Approve(context.Background(), tc.opp)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrRiskRejected)
			assert.Equal(t, tc.want, domain.ReasonOf(err))
			assert.Equal(t, before, l.Outstanding(), "a rejection reserves nothing")

			require.Len(t, sink.events, 1)
			assert.Equal(t, domain.EventOpportunityRejected, sink.events[0].Type)
			assert.Equal(t, tc.want, sink.events[0].Reason)
		})
	}
}

func TestStatisticalGrace(t *testing.T) {
	l := ledger.New(nil, discard())
	g := newGate(baseConfig(), l)

	opp := domain.Opportunity{
		ID:   "stat-1",
		Kind: domain.KindStatistical,
		Legs: []domain.Leg{
			{Venue: "v", Instrument: "A", Side: domain.OrderSideSell, Quantity: 1, LimitPrice: 100},
			{Venue: "v", Instrument: "B", Side: domain.OrderSideBuy, Quantity: 2, LimitPrice: 50},
		},
		ExpectedProfit: 5,
		DetectedAt:     now.Add(-20 * time.Second),
		Expiry:         now.Add(-10 * time.Second),
	}
	_, err := g.Approve(context.Background(), opp)
	require.NoError(t, err, "inside the statistical grace period")

	opp.ID = "stat-2"
	opp.Expiry = now.Add(-31 * time.Second)
	_, err = g.Approve(context.Background(), opp)
	assert.Equal(t, domain.ReasonExpired, domain.ReasonOf(err))
}

func TestCorrelationLimit(t *testing.T) {
	l := ledger.New(nil, discard())
	// A large long exposure in ETH.
	require.NoError(t, l.Apply("seed", []ledger.Fill{ledger.NewFill(0, "v", "ETH", 5, 2_000)}))

	cfg := baseConfig()
	cfg.Correlations = map[string]float64{risk.PairKey("ETH", "BTC"): 0.9}
	g := newGate(cfg, l)

	buyBTC := domain.Opportunity{
		ID:   "stat-btc",
		Kind: domain.KindStatistical,
		Legs: []domain.Leg{
			{Venue: "v", Instrument: "BTC", Side: domain.OrderSideBuy, Quantity: 0.1, LimitPrice: 60_000},
			{Venue: "v", Instrument: "SOL", Side: domain.OrderSideSell, Quantity: 1, LimitPrice: 150},
		},
		ExpectedProfit: 5,
		DetectedAt:     now,
		Expiry:         now.Add(time.Second),
	}
	_, err := g.Approve(context.Background(), buyBTC)
	assert.Equal(t, domain.ReasonCorrelationLimit, domain.ReasonOf(err))

	// Selling BTC reduces the correlated exposure and is allowed.
	sellBTC := buyBTC
	sellBTC.ID = "stat-btc-2"
	sellBTC.Legs = []domain.Leg{
		{Venue: "v", Instrument: "BTC", Side: domain.OrderSideSell, Quantity: 0.1, LimitPrice: 60_000},
		{Venue: "v", Instrument: "SOL", Side: domain.OrderSideBuy, Quantity: 1, LimitPrice: 150},
	}
	_, err = g.Approve(context.Background(), sellBTC)
	assert.NoError(t, err)
}

func TestCorrelationIgnoresSpreadNetFlat(t *testing.T) {
	l := ledger.New(nil, discard())
	require.NoError(t, l.Apply("seed", []ledger.Fill{ledger.NewFill(0, "a", "X", 9, 200)}))
	cfg := baseConfig()
	cfg.DefaultPositionCap = 100
	g := newGate(cfg, l)

	// Buying on a and selling on b nets to zero in X.
	_, err := g.Approve(context.Background(), spreadOpp(1))
	assert.NoError(t, err)
}

type liveCorr struct{ c float64 }

func (l liveCorr) Correlation(string, string) (float64, bool) { return l.c, true }

func TestCorrelationFromLiveSource(t *testing.T) {
	l := ledger.New(nil, discard())
	require.NoError(t, l.Apply("seed", []ledger.Fill{ledger.NewFill(0, "v", "A", -50, 100)}))
	g := newGate(baseConfig(), l, risk.WithCorrelationSource(liveCorr{c: -0.95}))

	// Short A with corr(A,B) = -0.95: buying B adds to the same risk.
	opp := domain.Opportunity{
		ID:   "stat-live",
		Kind: domain.KindStatistical,
		Legs: []domain.Leg{
			{Venue: "v", Instrument: "B", Side: domain.OrderSideBuy, Quantity: 1, LimitPrice: 10},
			{Venue: "v", Instrument: "C", Side: domain.OrderSideSell, Quantity: 1, LimitPrice: 10},
		},
		ExpectedProfit: 1,
		DetectedAt:     now,
		Expiry:         now.Add(time.Second),
	}
	_, err := g.Approve(context.Background(), opp)
	assert.Equal(t, domain.ReasonCorrelationLimit, domain.ReasonOf(err))
}

func TestConcurrentApprovalsNeverExceedCap(t *testing.T) {
	l := ledger.New(nil, discard())
	g := newGate(baseConfig(), l)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Approve(context.Background(), spreadOpp(1)); err == nil {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, approved)
	reserved, _ := l.Position("a", "X").Reserved.Float64()
	assert.Equal(t, 10.0, reserved)
}
