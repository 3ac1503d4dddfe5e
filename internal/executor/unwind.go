package executor

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
)

// unwind offsets every filled leg of att, retrying within UnwindTimeout.
// The attempt ends Unwound if the net residual per instrument is within
// MaxResidual, otherwise Failed with the residual recorded as exposure.
func (c *Coordinator) unwind(ctx context.Context, att *domain.ExecutionAttempt) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.UnwindTimeout)
	defer cancel()

	var filled []domain.LegExecution
	for _, l := range att.Legs {
		if l.FilledQty > 0 {
			filled = append(filled, l)
		}
	}

	results := make([][]domain.LegExecution, len(filled))
	var wg sync.WaitGroup
	for i, l := range filled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.unwindLeg(uctx, att.ID, l)
		}()
	}
	wg.Wait()
	for _, r := range results {
		att.Unwinds = append(att.Unwinds, r...)
	}

	var fills []ledger.Fill
	for _, u := range att.Unwinds {
		if u.FilledQty > 0 {
			fills = append(fills, ledger.NewFill(u.Index, u.Leg.Venue, u.Leg.Instrument, u.SignedFill(), u.AvgPrice))
		}
	}
	if err := c.ledger.Apply(att.ID, fills); err != nil {
		c.logger.ErrorContext(ctx, "ledger apply of unwind fills failed",
			slog.String("attempt_id", att.ID),
			slog.String("error", err.Error()),
		)
	}
	for i := range att.Unwinds {
		_ = att.Unwinds[i].Transition(domain.LegSettled)
	}

	residualOK := true
	for _, net := range att.NetByInstrument() {
		if math.Abs(net) > c.cfg.MaxResidual {
			residualOK = false
			break
		}
	}
	if residualOK {
		_ = att.Transition(domain.AttemptUnwound)
		return
	}

	att.Reason = domain.ReasonUnwindFailed
	_ = att.Transition(domain.AttemptFailed)
	for _, r := range residualByKey(att) {
		if math.Abs(r.qty) > c.cfg.MaxResidual {
			c.recordExposure(att, r.key.Venue, r.key.Instrument, r.qty, domain.ReasonUnwindFailed)
		}
	}
}

// unwindLeg keeps offsetting l until nothing is left, retries run out or
// ctx expires.
func (c *Coordinator) unwindLeg(ctx context.Context, attemptID string, l domain.LegExecution) []domain.LegExecution {
	var out []domain.LegExecution
	remaining := l.FilledQty
	side := l.Leg.Side.Opposite()

	for try := 0; try <= c.cfg.UnwindRetries && remaining > c.cfg.MaxResidual; try++ {
		deadline, _ := ctx.Deadline()
		left := time.Until(deadline)
		if ctx.Err() != nil || left <= 0 {
			break
		}
		u := domain.LegExecution{
			Index: l.Index,
			Leg: domain.Leg{
				Venue:      l.Leg.Venue,
				Instrument: l.Leg.Instrument,
				Side:       side,
				Quantity:   remaining,
				LimitPrice: c.unwindPrice(l, side),
			},
			ClientOrderID: UnwindOrderID(attemptID, l.Index, try),
			State:         domain.LegPending,
		}
		c.submit(ctx, &u, clamp(left, c.cfg.MinAckTimeout, c.cfg.AckTimeout))
		out = append(out, u)
		remaining -= u.FilledQty

		if u.FilledQty <= 0 {
			c.logger.WarnContext(ctx, "unwind order did not fill",
				slog.String("client_order_id", u.ClientOrderID),
				slog.String("reason", string(u.Reason)),
			)
		}
	}
	return out
}

// unwindPrice is the best available price for the offsetting order, moved by
// the slippage bound so the order is marketable. Without a quote the primary
// fill price is used as the reference.
func (c *Coordinator) unwindPrice(l domain.LegExecution, side domain.OrderSide) float64 {
	slip := c.cfg.UnwindSlippageBps / 10_000
	ref := l.AvgPrice
	if c.quotes != nil {
		if q, ok := c.quotes.Latest(l.Leg.Venue, l.Leg.Instrument); ok {
			if side == domain.OrderSideSell {
				ref = q.BidPrice
			} else {
				ref = q.AskPrice
			}
		}
	}
	if side == domain.OrderSideSell {
		return ref * (1 - slip)
	}
	return ref * (1 + slip)
}

type residual struct {
	key domain.QuoteKey
	qty float64
}

// residualByKey nets legs and unwinds per venue and instrument.
func residualByKey(att *domain.ExecutionAttempt) []residual {
	net := make(map[domain.QuoteKey]float64)
	for _, set := range [][]domain.LegExecution{att.Legs, att.Unwinds} {
		for _, l := range set {
			net[domain.QuoteKey{Venue: l.Leg.Venue, Instrument: l.Leg.Instrument}] += l.SignedFill()
		}
	}
	out := make([]residual, 0, len(net))
	for k, q := range net {
		out = append(out, residual{key: k, qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}
