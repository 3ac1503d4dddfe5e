package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memSink struct {
	mu     sync.Mutex
	quotes []domain.Quote
}

func (m *memSink) SubmitQuote(q domain.Quote) {
	m.mu.Lock()
	m.quotes = append(m.quotes, q)
	m.mu.Unlock()
}

func (m *memSink) snapshot() []domain.Quote {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Quote(nil), m.quotes...)
}

func TestDecodeSingleAndBatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := &decoder{now: func() time.Time { return now }}

	qs, err := d.decode([]byte(`{"venue":"a","instrument":"X","bid":99,"bid_size":1,"ask":100,"ask_size":2,"ts":"2026-01-02T03:04:05.5Z","seq":7}`))
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, uint64(7), qs[0].Sequence)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 5e8, time.UTC), qs[0].ObservedAt.UTC())

	qs, err = d.decode([]byte(` [{"venue":"a","instrument":"X","bid":1,"ask":2,"ts":1700000001000},{"venue":"b","instrument":"Y","bid":1,"ask":2}]`))
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, time.UnixMilli(1_700_000_001_000), qs[0].ObservedAt)
	assert.Equal(t, now, qs[1].ObservedAt, "missing ts falls back to receive time")
	assert.Less(t, qs[0].Sequence, qs[1].Sequence, "unnumbered quotes get increasing local sequences")
}

func TestDecodeForcedVenueAndErrors(t *testing.T) {
	d := &decoder{venue: "forced", now: time.Now}
	qs, err := d.decode([]byte(`{"venue":"spoofed","instrument":"X","bid":1,"ask":2}`))
	require.NoError(t, err)
	assert.Equal(t, "forced", qs[0].Venue)

	_, err = (&decoder{now: time.Now}).decode([]byte(`{"instrument":"X"}`))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = d.decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestWSFeedSubscribesAndReconnects(t *testing.T) {
	var (
		conns   atomic.Int32
		subMu   sync.Mutex
		subMsgs []string
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)

		_, sub, err := c.ReadMessage()
		if err != nil {
			return
		}
		subMu.Lock()
		subMsgs = append(subMsgs, string(sub))
		subMu.Unlock()

		if n == 1 {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"instrument":"X","bid":99,"bid_size":1,"ask":100,"ask_size":1,"seq":1}`))
			return // drop the connection
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"instrument":"X","bid":98,"bid_size":1,"ask":99,"ask_size":1,"seq":2}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &memSink{}
	f := NewWSFeed(WSConfig{
		Venue:       "alpha",
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Instruments: []string{"X"},
	}, sink, discard())
	f.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}

	got := sink.snapshot()
	assert.Equal(t, "alpha", got[0].Venue)
	assert.Equal(t, 99.0, got[0].BidPrice)
	assert.Equal(t, 98.0, got[1].BidPrice)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	subMu.Lock()
	defer subMu.Unlock()
	for _, s := range subMsgs {
		assert.JSONEq(t, `{"type":"subscribe","instruments":["X"]}`, s)
	}
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusFeedForwardsQuotes(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	sink := &memSink{}
	f := NewBusFeed(bus, "arb:quotes", sink, discard())

	bus.ch <- []byte(`{"venue":"a","instrument":"X","bid":1,"bid_size":1,"ask":2,"ask_size":1}`)
	bus.ch <- []byte(`garbage`)
	bus.ch <- []byte(`[{"venue":"b","instrument":"X","bid":1,"bid_size":1,"ask":2,"ask_size":1}]`)
	close(bus.ch)

	err := f.Run(context.Background())
	assert.ErrorContains(t, err, "closed")
	got := sink.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Venue)
	assert.Equal(t, "b", got[1].Venue)
}
