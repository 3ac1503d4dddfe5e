package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memSink struct {
	mu  sync.Mutex
	got []domain.Event
}

func (m *memSink) Emit(_ context.Context, ev domain.Event) {
	m.mu.Lock()
	m.got = append(m.got, ev)
	m.mu.Unlock()
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

type memBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
	err       error
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, p []byte) error {
	b.published[ch] = append(b.published[ch], p)
	return b.err
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, s string, p []byte) error {
	b.streamed[s] = append(b.streamed[s], p)
	return b.err
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memAudit struct {
	events  []string
	details []map[string]any
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.details = append(a.details, detail)
	return nil
}

func (a *memAudit) List(context.Context, int, int) ([]domain.AuditEntry, error) { return nil, nil }

type memNotifier struct {
	allow  map[string]bool
	titles []string
	msgs   []string
}

func (n *memNotifier) Wants(e string) bool { return n.allow[e] }

func (n *memNotifier) Notify(_ context.Context, _, title, msg string) error {
	n.titles = append(n.titles, title)
	n.msgs = append(n.msgs, msg)
	return errors.New("webhook down")
}

var failed = domain.Event{
	Type:          domain.EventAttemptFailed,
	At:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	OpportunityID: "opp1",
	AttemptID:     "att1",
	Kind:          domain.KindSpread,
	Reason:        domain.ReasonUnwindFailed,
	Detail:        map[string]any{"residual": 2.5},
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	Fanout{a, NewLogSink(discard()), b}.Emit(context.Background(), failed)
	assert.Equal(t, 1, a.len())
	assert.Equal(t, 1, b.len())
}

func TestBusSinkPublishesAndAppends(t *testing.T) {
	bus := newMemBus()
	NewBusSink(bus, "arb:events", "arb:events:log", discard()).Emit(context.Background(), failed)

	require.Len(t, bus.published["arb:events"], 1)
	require.Len(t, bus.streamed["arb:events:log"], 1)
	var got domain.Event
	require.NoError(t, json.Unmarshal(bus.published["arb:events"][0], &got))
	assert.Equal(t, failed.AttemptID, got.AttemptID)
	assert.Equal(t, failed.Reason, got.Reason)

	bus.err = errors.New("redis down")
	NewBusSink(bus, "arb:events", "", discard()).Emit(context.Background(), failed)
	assert.Len(t, bus.published["arb:events"], 2)
}

func TestAuditSinkSkipsHighVolumeEvents(t *testing.T) {
	store := &memAudit{}
	sink := NewAuditSink(store, discard())
	sink.Emit(context.Background(), domain.Event{Type: domain.EventOpportunityDetected})
	sink.Emit(context.Background(), domain.Event{Type: domain.EventLegFilled})
	sink.Emit(context.Background(), failed)

	require.Equal(t, []string{"attempt_failed"}, store.events)
	assert.Equal(t, "unwind_failed", store.details[0]["reason"])
	assert.Equal(t, "att1", store.details[0]["attempt_id"])
	assert.Equal(t, 2.5, store.details[0]["residual"])
}

func TestNotifySinkRendersFilteredEvents(t *testing.T) {
	n := &memNotifier{allow: map[string]bool{"attempt_failed": true}}
	sink := NewNotifySink(n, discard())
	sink.Emit(context.Background(), domain.Event{Type: domain.EventAttemptCompleted})
	sink.Emit(context.Background(), failed)

	require.Len(t, n.titles, 1)
	assert.Equal(t, "spread attempt failed", n.titles[0])
	assert.Equal(t, "opportunity: opp1\nattempt: att1\nreason: unwind_failed\nresidual: 2.5\nat: 2026-01-02T03:04:05Z", n.msgs[0])
}

type gateSink struct {
	release chan struct{}
	memSink
}

func (g *gateSink) Emit(ctx context.Context, ev domain.Event) {
	<-g.release
	g.memSink.Emit(ctx, ev)
}

func TestAsyncDropsWhenFullAndDrainsOnClose(t *testing.T) {
	g := &gateSink{release: make(chan struct{})}
	a := NewAsync(g, 1, discard())

	// The worker takes one event and blocks; the buffer holds one more.
	for i := 0; i < 10; i++ {
		a.Emit(context.Background(), failed)
	}
	close(g.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, int64(10), a.Dropped()+int64(g.len()))
	assert.GreaterOrEqual(t, a.Dropped(), int64(8))
	assert.LessOrEqual(t, g.len(), 2)
}

func TestAsyncEmitAfterCloseIsDropped(t *testing.T) {
	g := &gateSink{release: make(chan struct{})}
	a := NewAsync(g, 4, discard())
	a.Emit(context.Background(), failed)

	// The drain times out while the worker is still blocked, and a late
	// attempt emits afterwards.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)

	assert.NotPanics(t, func() { a.Emit(context.Background(), failed) })
	assert.Equal(t, int64(1), a.Dropped())

	close(g.release)
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 1, g.len())
}

type memOutcomes struct {
	ids     []string
	reasons []domain.ReasonCode
}

func (m *memOutcomes) Insert(context.Context, domain.Opportunity) error { return nil }

func (m *memOutcomes) MarkOutcome(_ context.Context, id, outcome string, reason domain.ReasonCode) error {
	if outcome != "rejected" {
		return errors.New("unexpected outcome " + outcome)
	}
	m.ids = append(m.ids, id)
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *memOutcomes) ListRecent(context.Context, int) ([]domain.OpportunityRecord, error) {
	return nil, nil
}

func TestOutcomeSinkMarksRejections(t *testing.T) {
	store := &memOutcomes{}
	sink := NewOutcomeSink(store, discard())
	sink.Emit(context.Background(), failed)
	sink.Emit(context.Background(), domain.Event{
		Type:          domain.EventOpportunityRejected,
		OpportunityID: "opp9",
		Reason:        domain.ReasonExposureLimit,
	})
	assert.Equal(t, []string{"opp9"}, store.ids)
	assert.Equal(t, []domain.ReasonCode{domain.ReasonExposureLimit}, store.reasons)
}
