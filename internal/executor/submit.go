package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// fillTolerance absorbs float noise when comparing fills to requested size.
const fillTolerance = 1e-9

// ackTimeout bounds the wait for an acknowledgment by the opportunity's
// remaining validity, clamped to [MinAckTimeout, AckTimeout].
func (c *Coordinator) ackTimeout(opp domain.Opportunity, now time.Time) time.Duration {
	remaining := opp.Remaining(now)
	if opp.Kind == domain.KindStatistical {
		remaining = opp.Remaining(now.Add(-c.cfg.StatisticalGrace))
	}
	return clamp(remaining, c.cfg.MinAckTimeout, c.cfg.AckTimeout)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}

// submit places one order and records the outcome on le. Ambiguous transport
// errors are retried with the same client order id. If no definitive answer
// arrives in time the order is cancelled and its status fetched, so a late
// fill is still accounted for.
func (c *Coordinator) submit(ctx context.Context, le *domain.LegExecution, timeout time.Duration) {
	log := c.logger.With(
		slog.String("client_order_id", le.ClientOrderID),
		slog.String("venue", le.Leg.Venue),
		slog.String("instrument", le.Leg.Instrument),
		slog.String("side", string(le.Leg.Side)),
	)

	le.SubmittedAt = c.now()
	_ = le.Transition(domain.LegSubmitted)

	adapter, err := c.venues.Get(le.Leg.Venue)
	if err != nil {
		log.ErrorContext(ctx, "no adapter for venue")
		c.reject(le, domain.ReasonNoVenue)
		return
	}

	req := domain.OrderRequest{
		ClientOrderID: le.ClientOrderID,
		Venue:         le.Leg.Venue,
		Instrument:    le.Leg.Instrument,
		Side:          le.Leg.Side,
		Quantity:      le.Leg.Quantity,
		LimitPrice:    le.Leg.LimitPrice,
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ack domain.OrderAck
	for try := 0; ; try++ {
		ack, err = adapter.PlaceOrder(actx, req)
		if err == nil || actx.Err() != nil || try >= c.cfg.SubmitRetries {
			break
		}
		log.WarnContext(ctx, "order submission failed, retrying",
			slog.Int("attempt", try+1),
			slog.String("error", err.Error()),
		)
	}

	if err != nil || ack.Status == domain.OrderStatusOpen {
		if err != nil {
			log.WarnContext(ctx, "no acknowledgment, recovering order status", slog.String("error", err.Error()))
		}
		recovered, rerr := c.recoverStatus(ctx, adapter, le.ClientOrderID)
		if rerr != nil {
			log.ErrorContext(ctx, "order status unknown", slog.String("error", rerr.Error()))
			c.health.RecordOrderResult(le.Leg.Venue, true)
			c.timeout(le)
			return
		}
		ack = recovered
	}

	c.applyAck(le, ack)
	c.health.RecordOrderResult(le.Leg.Venue, le.FilledQty <= 0)
}

// recoverStatus cancels whatever may be resting and asks the venue what
// happened. It runs on its own deadline so a cancelled parent cannot hide a
// fill.
func (c *Coordinator) recoverStatus(ctx context.Context, adapter domain.VenueAdapter, clientOrderID string) (domain.OrderAck, error) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StatusTimeout)
	defer cancel()

	if err := adapter.CancelOrder(sctx, clientOrderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.WarnContext(ctx, "cancel failed",
			slog.String("client_order_id", clientOrderID),
			slog.String("error", err.Error()),
		)
	}
	ack, err := adapter.GetOrderStatus(sctx, clientOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		// The venue never saw the order.
		return domain.OrderAck{ClientOrderID: clientOrderID, Status: domain.OrderStatusCanceled}, nil
	}
	return ack, err
}

func (c *Coordinator) applyAck(le *domain.LegExecution, ack domain.OrderAck) {
	le.VenueOrderID = ack.VenueOrderID
	le.FilledQty = min(ack.FilledQty, le.Leg.Quantity)
	le.AvgPrice = ack.AvgPrice
	le.Fee = ack.Fee

	switch {
	case le.FilledQty >= le.Leg.Quantity-fillTolerance:
		_ = le.Transition(domain.LegFilled)
	case le.FilledQty > 0:
		_ = le.Transition(domain.LegPartiallyFilled)
	case ack.Status == domain.OrderStatusRejected:
		c.reject(le, domain.ReasonOrderRejected)
	default:
		c.timeout(le)
	}
}

func (c *Coordinator) reject(le *domain.LegExecution, reason domain.ReasonCode) {
	_ = le.Transition(domain.LegRejected)
	le.Reason = reason
}

func (c *Coordinator) timeout(le *domain.LegExecution) {
	_ = le.Transition(domain.LegTimedOut)
	le.Reason = domain.ReasonOrderTimeout
}
