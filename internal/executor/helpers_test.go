package executor_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func filled(req domain.OrderRequest) domain.OrderAck {
	return domain.OrderAck{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  "v-" + req.ClientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledQty:     req.Quantity,
		AvgPrice:      req.LimitPrice,
	}
}

func rejected(req domain.OrderRequest) domain.OrderAck {
	return domain.OrderAck{ClientOrderID: req.ClientOrderID, Status: domain.OrderStatusRejected, Message: "no"}
}

// scriptVenue answers orders through a per-test function and remembers every
// request it saw.
type scriptVenue struct {
	name   string
	place  func(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error)
	status func(id string) (domain.OrderAck, error)

	mu      sync.Mutex
	calls   []domain.OrderRequest
	cancels []string
	acks    map[string]domain.OrderAck
}

func newScriptVenue(name string) *scriptVenue {
	return &scriptVenue{name: name, acks: make(map[string]domain.OrderAck)}
}

func (s *scriptVenue) Name() string { return s.name }

func (s *scriptVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	place := s.place
	if place == nil {
		place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) { return filled(req), nil }
	}
	ack, err := place(ctx, req)
	if err == nil {
		s.mu.Lock()
		s.acks[req.ClientOrderID] = ack
		s.mu.Unlock()
	}
	return ack, err
}

func (s *scriptVenue) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, id)
	return nil
}

func (s *scriptVenue) GetOrderStatus(_ context.Context, id string) (domain.OrderAck, error) {
	if s.status != nil {
		return s.status(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.acks[id]
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("status %s: %w", id, domain.ErrNotFound)
	}
	return ack, nil
}

func (s *scriptVenue) requests() []domain.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderRequest(nil), s.calls...)
}

func (s *scriptVenue) ids() []string {
	var out []string
	for _, r := range s.requests() {
		out = append(out, r.ClientOrderID)
	}
	return out
}

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Emit(_ context.Context, ev domain.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureSink) count(typ domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type memAttempts struct {
	mu    sync.Mutex
	saved map[string]domain.ExecutionAttempt
}

func (m *memAttempts) Save(_ context.Context, a domain.ExecutionAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]domain.ExecutionAttempt)
	}
	m.saved[a.ID] = a
	return nil
}

func (m *memAttempts) GetByID(_ context.Context, id string) (domain.ExecutionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.saved[id]
	if !ok {
		return domain.ExecutionAttempt{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memAttempts) ListRecent(context.Context, int) ([]domain.ExecutionAttempt, error) {
	return nil, nil
}

func (m *memAttempts) ListBefore(context.Context, time.Time) ([]domain.ExecutionAttempt, error) {
	return nil, nil
}

func (m *memAttempts) SumRealizedPnL(context.Context, time.Time) (float64, error) { return 0, nil }

type memOutcomes struct {
	mu       sync.Mutex
	outcomes map[string]string
}

func (m *memOutcomes) Insert(context.Context, domain.Opportunity) error { return nil }

func (m *memOutcomes) MarkOutcome(_ context.Context, id, outcome string, _ domain.ReasonCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]string)
	}
	m.outcomes[id] = outcome
	return nil
}

func (m *memOutcomes) ListRecent(context.Context, int) ([]domain.OpportunityRecord, error) {
	return nil, nil
}

type quoteMap map[domain.QuoteKey]domain.Quote

func (m quoteMap) Latest(v, i string) (domain.Quote, bool) {
	q, ok := m[domain.QuoteKey{Venue: v, Instrument: i}]
	return q, ok
}

type harness struct {
	ledger   *ledger.Ledger
	coord    *executor.Coordinator
	sink     *captureSink
	attempts *memAttempts
	outcomes *memOutcomes
	now      atomic.Pointer[time.Time]
	seq      atomic.Int64
}

func defaultConfig() executor.Config {
	return executor.Config{
		AckTimeout:         200 * time.Millisecond,
		MinAckTimeout:      20 * time.Millisecond,
		StatusTimeout:      100 * time.Millisecond,
		SubmitRetries:      2,
		UnwindTimeout:      time.Second,
		UnwindRetries:      2,
		UnwindSlippageBps:  50,
		MaxResidual:        1e-9,
		StatisticalRetries: 1,
		StatisticalGrace:   30 * time.Second,
		MaxConcurrent:      4,
		DedupTTL:           time.Minute,
	}
}

func newHarness(cfg executor.Config, quotes executor.QuoteSource, adapters ...domain.VenueAdapter) *harness {
	h := &harness{
		sink:     &captureSink{},
		attempts: &memAttempts{},
		outcomes: &memOutcomes{},
	}
	start := t0
	h.now.Store(&start)
	clock := func() time.Time { return *h.now.Load() }

	reg := venue.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	h.ledger = ledger.New(clock, discard())
	h.coord = executor.NewCoordinator(cfg, executor.Deps{
		Venues:        reg,
		Ledger:        h.ledger,
		Quotes:        quotes,
		Sink:          h.sink,
		Attempts:      h.attempts,
		Opportunities: h.outcomes,
		Now:           clock,
	}, discard())
	return h
}

// approve reserves opp's legs the way the risk gate does.
func (h *harness) approve(t *testing.T, opp domain.Opportunity) risk.Approval {
	t.Helper()
	id := fmt.Sprintf("att%d", h.seq.Add(1))
	deltas := make([]ledger.Delta, len(opp.Legs))
	for i, l := range opp.Legs {
		deltas[i] = ledger.NewDelta(i, l.Venue, l.Instrument, l.SignedQuantity())
	}
	require.NoError(t, h.ledger.Reserve(id, deltas, nil))
	return risk.Approval{AttemptID: id, Opportunity: opp, ApprovedAt: t0}
}

func (h *harness) position(venue, instr string) float64 {
	f, _ := h.ledger.Position(venue, instr).Quantity.Float64()
	return f
}

func spreadOpp(id string, qty float64) domain.Opportunity {
	return domain.Opportunity{
		ID:   id,
		Kind: domain.KindSpread,
		Legs: []domain.Leg{
			{Venue: "a", Instrument: "X", Side: domain.OrderSideBuy, Quantity: qty, LimitPrice: 100},
			{Venue: "b", Instrument: "X", Side: domain.OrderSideSell, Quantity: qty, LimitPrice: 100.6},
		},
		ExpectedProfit: 0.6 * qty,
		DetectedAt:     t0,
		Expiry:         t0.Add(time.Second),
	}
}

func statOpp(id string) domain.Opportunity {
	return domain.Opportunity{
		ID:   id,
		Kind: domain.KindStatistical,
		Legs: []domain.Leg{
			{Venue: "s", Instrument: "A", Side: domain.OrderSideSell, Quantity: 10, LimitPrice: 100},
			{Venue: "s", Instrument: "B", Side: domain.OrderSideBuy, Quantity: 20, LimitPrice: 50},
		},
		ExpectedProfit: 5,
		DetectedAt:     t0,
		Expiry:         t0.Add(time.Second),
	}
}

func (h *harness) setNow(t time.Time) { h.now.Store(&t) }
