package executor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

func newRouter(h *harness) *executor.Router {
	gate := risk.NewGate(risk.Config{}, h.ledger, nil, nil, discard(),
		risk.WithClock(func() time.Time { return t0 }),
		risk.WithSink(h.sink),
	)
	return executor.NewRouter(gate, h.coord, time.Second, discard())
}

func TestRouterExecutesUntilInputCloses(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	h := newHarness(defaultConfig(), nil, a, b)
	r := newRouter(h)

	in := make(chan domain.Opportunity, 8)
	for i := 0; i < 5; i++ {
		in <- spreadOpp(fmt.Sprintf("r%d", i), 1)
	}
	expired := spreadOpp("late", 1)
	expired.Expiry = t0.Add(-time.Second)
	in <- expired
	close(in)

	require.NoError(t, r.Run(context.Background(), in))

	assert.Equal(t, 5, h.sink.count(domain.EventAttemptCompleted))
	assert.Equal(t, 1, h.sink.count(domain.EventOpportunityRejected))
	assert.Len(t, a.requests(), 5)
	assert.Equal(t, 0, h.ledger.Outstanding())
	assert.Equal(t, 5.0, h.position("a", "X"))
}

func TestRouterWaitsForInFlightOnShutdown(t *testing.T) {
	a, b := newScriptVenue("a"), newScriptVenue("b")
	entered := make(chan struct{})
	release := make(chan struct{})
	a.place = func(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
		close(entered)
		<-release
		return filled(req), nil
	}
	cfg := defaultConfig()
	cfg.AckTimeout = 2 * time.Second
	h := newHarness(cfg, nil, a, b)
	r := newRouter(h)

	in := make(chan domain.Opportunity, 4)
	in <- spreadOpp("inflight", 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, in) }()

	<-entered
	cancel()
	in <- spreadOpp("buffered", 1)
	// Run cannot return while the first attempt is still running.
	select {
	case <-errCh:
		t.Fatal("router returned before in-flight attempt finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 1, h.sink.count(domain.EventAttemptCompleted))
	assert.Len(t, a.requests(), 1, "buffered opportunity is dropped, not executed")
}
