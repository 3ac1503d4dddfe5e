package executor_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
)

func TestSpreadCompletes(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	h := newHarness(defaultConfig(), nil, a, b)

	appr := h.approve(t, spreadOpp("o1", 3))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptCompleted, att.State)
	assert.Equal(t, domain.ReasonNone, att.Reason)
	assert.Equal(t, []string{appr.AttemptID + "-L0"}, a.ids())
	assert.Equal(t, []string{appr.AttemptID + "-L1"}, b.ids())
	for _, l := range att.Legs {
		assert.Equal(t, domain.LegSettled, l.State)
	}
	assert.InDelta(t, 1.8, att.RealizedPnL, 1e-9)

	assert.Equal(t, 3.0, h.position("a", "X"))
	assert.Equal(t, -3.0, h.position("b", "X"))
	assert.True(t, h.ledger.Position("a", "X").Reserved.IsZero())
	assert.Equal(t, 0, h.ledger.Outstanding())

	assert.Equal(t, 2, h.sink.count(domain.EventLegFilled))
	assert.Equal(t, 1, h.sink.count(domain.EventAttemptCompleted))
	saved, err := h.attempts.GetByID(context.Background(), appr.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptCompleted, saved.State)
	assert.Equal(t, "completed", h.outcomes.outcomes["o1"])
}

func TestOpportunityExecutesAtMostOnce(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	h := newHarness(defaultConfig(), nil, a, b)
	opp := spreadOpp("once", 1)

	first := h.approve(t, opp)
	second := h.approve(t, opp)

	_, err := h.coord.Execute(context.Background(), first)
	require.NoError(t, err)
	_, err = h.coord.Execute(context.Background(), second)
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	assert.Len(t, a.requests(), 1)
	assert.Len(t, b.requests(), 1)
	assert.Equal(t, 0, h.ledger.Outstanding(), "the duplicate's reservation is released")
	assert.Equal(t, 1.0, h.position("a", "X"))
}

func TestExpiryIsRecheckedBeforeSubmission(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	a, b := newScriptVenue("a"), newScriptVenue("b")
	h := newHarness(defaultConfig(), nil, a, b)

	submitted := 0
	for i := 0; i < 200; i++ {
		skew := time.Duration(rng.Int63n(2000)-1000) * time.Millisecond
		if skew == 0 {
			continue
		}
		opp := spreadOpp("skew-"+time.Duration(i).String(), 1)
		appr := h.approve(t, opp)
		// The clock moves between approval and execution.
		h.setNow(opp.Expiry.Add(-skew))

		att, err := h.coord.Execute(context.Background(), appr)
		require.NoError(t, err)
		if skew < 0 {
			assert.Equal(t, domain.AttemptFailed, att.State)
			assert.Equal(t, domain.ReasonExpired, att.Reason)
			assert.Empty(t, att.Legs)
		} else {
			submitted++
			assert.Equal(t, domain.AttemptCompleted, att.State)
		}
		assert.Equal(t, 0, h.ledger.Outstanding())
	}
	assert.Len(t, a.requests(), submitted, "expired opportunities never reach a venue")
	assert.Greater(t, submitted, 50)
}

func TestStatisticalGraceAtExecution(t *testing.T) {
	s := newScriptVenue("s")
	h := newHarness(defaultConfig(), nil, s)
	opp := statOpp("stat-grace")
	appr := h.approve(t, opp)
	h.setNow(opp.Expiry.Add(10 * time.Second))

	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptCompleted, att.State)
}

func TestPartialFillIsUnwound(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	b.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) { return rejected(req), nil }
	quotes := quoteMap{
		{Venue: "a", Instrument: "X"}: {Venue: "a", Instrument: "X", BidPrice: 99.8, BidSize: 10, AskPrice: 100.2, AskSize: 10},
	}
	h := newHarness(defaultConfig(), quotes, a, b)

	appr := h.approve(t, spreadOpp("partial", 3))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptUnwound, att.State)
	require.Len(t, att.Unwinds, 1)
	u := att.Unwinds[0]
	assert.Equal(t, appr.AttemptID+"-U0", u.ClientOrderID)
	assert.Equal(t, domain.OrderSideSell, u.Leg.Side)
	assert.Equal(t, 3.0, u.Leg.Quantity)
	assert.InDelta(t, 99.8*(1-0.005), u.Leg.LimitPrice, 1e-9)

	assert.Equal(t, 0.0, h.position("a", "X"))
	assert.Equal(t, 0.0, h.position("b", "X"))
	assert.Empty(t, h.ledger.Exposures())
	assert.Equal(t, 1, h.sink.count(domain.EventAttemptUnwound))
	assert.Less(t, att.RealizedPnL, 0.0)
}

func TestUnwindRetriesPartialUnwindFills(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	b.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) { return rejected(req), nil }
	a.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		ack := filled(req)
		if req.Side == domain.OrderSideSell && req.Quantity > 1 {
			ack.FilledQty = 1
			ack.Status = domain.OrderStatusPartiallyFilled
		}
		return ack, nil
	}
	h := newHarness(defaultConfig(), nil, a, b)

	appr := h.approve(t, spreadOpp("slow-unwind", 3))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptUnwound, att.State)
	assert.Equal(t, []string{
		appr.AttemptID + "-L0",
		appr.AttemptID + "-U0",
		appr.AttemptID + "-U0r1",
		appr.AttemptID + "-U0r2",
	}, a.ids())
	assert.Equal(t, 0.0, h.position("a", "X"))
}

func TestFailedUnwindRecordsExposure(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	b.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) { return rejected(req), nil }
	a.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		if req.Side == domain.OrderSideSell {
			return rejected(req), nil
		}
		return filled(req), nil
	}
	h := newHarness(defaultConfig(), nil, a, b)

	appr := h.approve(t, spreadOpp("stuck", 3))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonUnwindFailed, att.Reason)
	assert.Len(t, att.Unwinds, 3, "first unwind plus two retries")

	exposures := h.ledger.Exposures()
	require.Len(t, exposures, 1)
	assert.Equal(t, "a", exposures[0].Venue)
	assert.Equal(t, 3.0, exposures[0].Quantity)
	assert.Equal(t, domain.ReasonUnwindFailed, exposures[0].Reason)
	assert.Equal(t, 3.0, h.position("a", "X"))
	assert.Equal(t, 1, h.sink.count(domain.EventAttemptFailed))
}

func TestNothingFilledFailsWithoutExposure(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	reject := func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) { return rejected(req), nil }
	a.place, b.place = reject, reject
	h := newHarness(defaultConfig(), nil, a, b)

	att, err := h.coord.Execute(context.Background(), h.approve(t, spreadOpp("none", 2)))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonOrderRejected, att.Reason)
	assert.Empty(t, att.Unwinds)
	assert.Empty(t, h.ledger.Exposures())
	assert.Equal(t, 0, h.ledger.Outstanding())
}

func TestStatisticalLegAbortKeepsExposure(t *testing.T) {
	s := newScriptVenue("s")
	s.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		if req.Instrument == "B" {
			return rejected(req), nil
		}
		return filled(req), nil
	}
	h := newHarness(defaultConfig(), nil, s)

	appr := h.approve(t, statOpp("stat-abort"))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonStatisticalLegAborted, att.Reason)
	assert.Equal(t, []string{
		appr.AttemptID + "-L0",
		appr.AttemptID + "-L1",
		appr.AttemptID + "-L1r1",
	}, s.ids(), "legs go one at a time and a rejected leg is retried under a new id")
	assert.Empty(t, att.Unwinds)

	require.Len(t, att.Exposures, 1)
	assert.Equal(t, "A", att.Exposures[0].Instrument)
	assert.Equal(t, -10.0, att.Exposures[0].Quantity)
	assert.Equal(t, -10.0, h.position("s", "A"))
	assert.Equal(t, 0.0, h.position("s", "B"))
	assert.Equal(t, 0, h.ledger.Outstanding())
}

func TestStatisticalRetrySucceeds(t *testing.T) {
	s := newScriptVenue("s")
	s.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		if req.ClientOrderID[len(req.ClientOrderID)-3:] == "-L1" {
			return rejected(req), nil
		}
		return filled(req), nil
	}
	h := newHarness(defaultConfig(), nil, s)

	att, err := h.coord.Execute(context.Background(), h.approve(t, statOpp("stat-retry")))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptCompleted, att.State)
	assert.Equal(t, 20.0, h.position("s", "B"))
	// Sell 10 @ 100 and buy 20 @ 50 net to zero cash.
	assert.InDelta(t, 0.0, att.RealizedPnL, 1e-9)
}

func TestStatisticalFirstLegRejectedHasNoExposure(t *testing.T) {
	s := newScriptVenue("s")
	s.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) { return rejected(req), nil }
	h := newHarness(defaultConfig(), nil, s)

	att, err := h.coord.Execute(context.Background(), h.approve(t, statOpp("stat-first")))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonOrderRejected, att.Reason)
	assert.Empty(t, att.Exposures)
	assert.Len(t, s.requests(), 2)
}

func TestAmbiguousErrorRetriesSameClientID(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	calls := 0
	a.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		calls++
		if calls == 1 {
			return domain.OrderAck{}, errors.New("connection reset")
		}
		return filled(req), nil
	}
	h := newHarness(defaultConfig(), nil, a, b)

	appr := h.approve(t, spreadOpp("flaky", 1))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptCompleted, att.State)
	assert.Equal(t, []string{appr.AttemptID + "-L0", appr.AttemptID + "-L0"}, a.ids())
}

func TestAckTimeoutRecoversLateFill(t *testing.T) {
	cfg := defaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.MinAckTimeout = 10 * time.Millisecond

	a, b := newScriptVenue("a"), newScriptVenue("b")
	a.place = func(ctx context.Context, _ domain.OrderRequest) (domain.OrderAck, error) {
		<-ctx.Done()
		return domain.OrderAck{}, ctx.Err()
	}
	a.status = func(id string) (domain.OrderAck, error) {
		return domain.OrderAck{ClientOrderID: id, Status: domain.OrderStatusFilled, FilledQty: 1, AvgPrice: 100}, nil
	}
	h := newHarness(cfg, nil, a, b)

	appr := h.approve(t, spreadOpp("late", 1))
	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)

	assert.Equal(t, domain.AttemptCompleted, att.State)
	assert.Equal(t, []string{appr.AttemptID + "-L0"}, a.cancels)
	assert.Equal(t, 1.0, h.position("a", "X"))
}

func TestAckTimeoutWithoutFill(t *testing.T) {
	cfg := defaultConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.MinAckTimeout = 10 * time.Millisecond

	hang := func(ctx context.Context, _ domain.OrderRequest) (domain.OrderAck, error) {
		<-ctx.Done()
		return domain.OrderAck{}, ctx.Err()
	}
	a, b := newScriptVenue("a"), newScriptVenue("b")
	a.place, b.place = hang, hang
	h := newHarness(cfg, nil, a, b)

	start := time.Now()
	att, err := h.coord.Execute(context.Background(), h.approve(t, spreadOpp("silent", 1)))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "every wait is bounded")

	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonOrderTimeout, att.Reason)
	for _, l := range att.Legs {
		assert.Equal(t, domain.ReasonOrderTimeout, l.Reason)
	}
	assert.Equal(t, 0, h.ledger.Outstanding())
}

func TestMissingVenueFailsLeg(t *testing.T) {
	a := newScriptVenue("a")
	h := newHarness(defaultConfig(), nil, a)

	att, err := h.coord.Execute(context.Background(), h.approve(t, spreadOpp("orphan", 1)))
	require.NoError(t, err)
	// Leg 0 filled on a, leg 1 had nowhere to go.
	assert.Equal(t, domain.ReasonNoVenue, att.Legs[1].Reason)
	assert.Equal(t, domain.AttemptUnwound, att.State)
}

func TestTriangularRealizedPnL(t *testing.T) {
	fx := newScriptVenue("fx")
	fx.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		ack := filled(req)
		if req.Instrument == "JPY/USD" && req.Side == domain.OrderSideSell {
			ack.FilledQty = req.Quantity * 0.5
			ack.Status = domain.OrderStatusPartiallyFilled
		}
		return ack, nil
	}
	h := newHarness(defaultConfig(), nil, fx)
	opp := domain.Opportunity{
		ID:   "tri",
		Kind: domain.KindTriangular,
		Legs: []domain.Leg{
			{Venue: "fx", Instrument: "EUR/JPY", Side: domain.OrderSideSell, Quantity: 100, LimitPrice: 160},
			{Venue: "fx", Instrument: "JPY/USD", Side: domain.OrderSideSell, Quantity: 16_000, LimitPrice: 0.007},
			{Venue: "fx", Instrument: "USD/EUR", Side: domain.OrderSideSell, Quantity: 112, LimitPrice: 0.9},
		},
		ExpectedProfit: 0.8,
		ProfitCurrency: "EUR",
		DetectedAt:     t0,
		Expiry:         t0.Add(time.Second),
	}

	att, err := h.coord.Execute(context.Background(), h.approve(t, opp))
	require.NoError(t, err)
	// A partially filled leg sends the cycle into unwind.
	assert.Equal(t, domain.AttemptUnwound, att.State)
	assert.Equal(t, 0.0, att.RealizedPnL)

	fx.place = nil
	full := opp
	full.ID = "tri-2"
	att, err = h.coord.Execute(context.Background(), h.approve(t, full))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptCompleted, att.State)
	assert.InDelta(t, 0.8, att.RealizedPnL, 1e-12)
	assert.Equal(t, "EUR", att.ProfitCurrency)
}

func TestClientOrderIDs(t *testing.T) {
	assert.Equal(t, "x-L2", executor.ClientOrderID("x", 2))
	assert.Equal(t, "x-L2r1", executor.RetryOrderID("x", 2, 1))
	assert.Equal(t, "x-U0", executor.UnwindOrderID("x", 0, 0))
	assert.Equal(t, "x-U0r3", executor.UnwindOrderID("x", 0, 3))
}

func TestSettleFailureKeepsFillsAsExposure(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	h := newHarness(defaultConfig(), nil, a, b)
	appr := h.approve(t, spreadOpp("lost-reservation", 1))

	// The reservation disappears while the orders are out, so the ledger
	// refuses to book fills the venues already executed.
	a.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		_ = h.ledger.Release(appr.AttemptID)
		return filled(req), nil
	}

	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonLedgerInconsistency, att.Reason)

	require.Len(t, att.Exposures, 2)
	got := map[string]float64{}
	for _, e := range h.ledger.Exposures() {
		assert.Equal(t, domain.ReasonLedgerInconsistency, e.Reason)
		got[e.Venue] = e.Quantity
	}
	assert.Equal(t, map[string]float64{"a": 1, "b": -1}, got)
	assert.Equal(t, 1, h.sink.count(domain.EventAttemptFailed))
}

func TestSlotWaitEndsAtExpiry(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxConcurrent = 1
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	a, b := newScriptVenue("a"), newScriptVenue("b")
	a.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		if req.Quantity == 1 {
			entered <- struct{}{}
			<-release
		}
		return filled(req), nil
	}
	h := newHarness(cfg, nil, a, b)

	busy := h.approve(t, spreadOpp("busy", 1))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.coord.Execute(context.Background(), busy)
	}()
	<-entered

	opp := spreadOpp("waiting", 2)
	opp.Expiry = t0.Add(50 * time.Millisecond)
	appr := h.approve(t, opp)

	att, err := h.coord.Execute(context.Background(), appr)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptFailed, att.State)
	assert.Equal(t, domain.ReasonExpired, att.Reason)
	assert.Empty(t, att.Legs)
	assert.Equal(t, 1, h.ledger.Outstanding(), "only the busy attempt still holds a reservation")

	close(release)
	<-done
	assert.Equal(t, 0, h.ledger.Outstanding())
	assert.Len(t, a.requests(), 1)
}
