package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// QuoteSource returns the latest quote for a key regardless of staleness.
type QuoteSource interface {
	Latest(venue, instrument string) (domain.Quote, bool)
}

// PaperConfig configures a simulated venue.
type PaperConfig struct {
	Name       string
	FeeRate    float64
	Latency    time.Duration
	RejectRate float64 // probability in [0,1] of refusing an order outright
	Seed       int64
}

// Paper fills marketable limit orders immediately against the latest quote,
// up to the displayed size. Whatever is not filled is cancelled, so every
// order ends in a terminal status on the first acknowledgment.
type Paper struct {
	cfg    PaperConfig
	quotes QuoteSource
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]domain.OrderAck
	rng    *rand.Rand
}

// NewPaper creates a paper venue that prices against quotes.
func NewPaper(cfg PaperConfig, quotes QuoteSource, logger *slog.Logger) *Paper {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		cfg:    cfg,
		quotes: quotes,
		logger: logger.With(slog.String("component", "paper_venue"), slog.String("venue", cfg.Name)),
		orders: make(map[string]domain.OrderAck),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (p *Paper) Name() string { return p.cfg.Name }

// PlaceOrder is idempotent on ClientOrderID: resubmitting returns the first
// acknowledgment.
func (p *Paper) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if p.cfg.Latency > 0 {
		t := time.NewTimer(p.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.OrderAck{}, fmt.Errorf("paper %s: place %s: %w", p.cfg.Name, req.ClientOrderID, ctx.Err())
		case <-t.C:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ack, ok := p.orders[req.ClientOrderID]; ok {
		return ack, nil
	}

	ack := domain.OrderAck{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  uuid.NewString(),
	}
	switch {
	case req.Quantity <= 0 || req.LimitPrice <= 0:
		ack.Status = domain.OrderStatusRejected
		ack.Message = "invalid quantity or price"
	case p.cfg.RejectRate > 0 && p.rng.Float64() < p.cfg.RejectRate:
		ack.Status = domain.OrderStatusRejected
		ack.Message = "simulated reject"
	default:
		p.fill(req, &ack)
	}
	p.orders[req.ClientOrderID] = ack

	p.logger.DebugContext(ctx, "paper order",
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("instrument", req.Instrument),
		slog.String("side", string(req.Side)),
		slog.String("status", string(ack.Status)),
		slog.Float64("filled", ack.FilledQty),
	)
	return ack, nil
}

func (p *Paper) fill(req domain.OrderRequest, ack *domain.OrderAck) {
	q, ok := p.quotes.Latest(p.cfg.Name, req.Instrument)
	if !ok {
		ack.Status = domain.OrderStatusRejected
		ack.Message = "no market"
		return
	}

	var price, avail float64
	switch req.Side {
	case domain.OrderSideBuy:
		price, avail = q.AskPrice, q.AskSize
		if price > req.LimitPrice {
			ack.Status = domain.OrderStatusRejected
			ack.Message = "limit below ask"
			return
		}
	case domain.OrderSideSell:
		price, avail = q.BidPrice, q.BidSize
		if price < req.LimitPrice {
			ack.Status = domain.OrderStatusRejected
			ack.Message = "limit above bid"
			return
		}
	default:
		ack.Status = domain.OrderStatusRejected
		ack.Message = "unknown side"
		return
	}

	qty := math.Min(req.Quantity, avail)
	ack.FilledQty = qty
	ack.AvgPrice = price
	ack.Fee = qty * price * p.cfg.FeeRate
	ack.Status = domain.OrderStatusFilled
	if qty < req.Quantity {
		ack.Status = domain.OrderStatusPartiallyFilled
	}
}

// CancelOrder is a no-op for known orders since paper orders never rest.
func (p *Paper) CancelOrder(_ context.Context, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[clientOrderID]; !ok {
		return fmt.Errorf("paper %s: cancel %s: %w", p.cfg.Name, clientOrderID, domain.ErrNotFound)
	}
	return nil
}

func (p *Paper) GetOrderStatus(_ context.Context, clientOrderID string) (domain.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ack, ok := p.orders[clientOrderID]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("paper %s: status %s: %w", p.cfg.Name, clientOrderID, domain.ErrNotFound)
	}
	return ack, nil
}
