package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memAttempts struct {
	recent []domain.ExecutionAttempt
	since  []time.Time
}

func (m *memAttempts) Save(context.Context, domain.ExecutionAttempt) error { return nil }

func (m *memAttempts) GetByID(context.Context, string) (domain.ExecutionAttempt, error) {
	return domain.ExecutionAttempt{}, domain.ErrNotFound
}

func (m *memAttempts) ListRecent(_ context.Context, limit int) ([]domain.ExecutionAttempt, error) {
	return m.recent[:min(limit, len(m.recent))], nil
}

func (m *memAttempts) ListBefore(context.Context, time.Time) ([]domain.ExecutionAttempt, error) {
	return nil, nil
}

func (m *memAttempts) SumRealizedPnL(_ context.Context, since time.Time) (float64, error) {
	m.since = append(m.since, since)
	if now.Sub(since) <= 24*time.Hour {
		return 1.5, nil
	}
	return 4, nil
}

type memAudit struct {
	entries []domain.AuditEntry
	logged  []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.logged = append(m.logged, event)
	return nil
}

func (m *memAudit) List(context.Context, int, int) ([]domain.AuditEntry, error) {
	return m.entries, nil
}

func TestWriteReport(t *testing.T) {
	attempts := &memAttempts{recent: []domain.ExecutionAttempt{{
		ID:             "0f4c2d1e-aaaa-bbbb-cccc-ddddeeeeffff",
		Kind:           domain.KindSpread,
		State:          domain.AttemptCompleted,
		Legs:           make([]domain.LegExecution, 2),
		ExpectedProfit: 2,
		ProfitCurrency: "USD",
		RealizedPnL:    1.5,
		CompletedAt:    now.Add(-time.Hour),
	}}}
	audit := &memAudit{entries: []domain.AuditEntry{{
		ID:        1,
		Event:     "attempt_failed",
		Detail:    map[string]any{"opportunity_id": "9a8b7c6d-1111", "reason": "unwind_failed"},
		CreatedAt: now,
	}}}

	var buf bytes.Buffer
	require.NoError(t, writeReport(context.Background(), &buf, &Dependencies{Attempts: attempts, Audit: audit}, now))

	out := buf.String()
	assert.Contains(t, out, "Recent attempts (1)")
	assert.Contains(t, out, "0f4c2d1e")
	assert.NotContains(t, out, "0f4c2d1e-aaaa")
	assert.Contains(t, out, "2.0000 USD")
	assert.Contains(t, out, "Realized PnL: 24h 1.5000 | 7d 4.0000")
	assert.Contains(t, out, "Audit log (1)")
	assert.Contains(t, out, "9a8b7c6d")
	assert.Contains(t, out, "unwind_failed")
	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour), now.Add(-7 * 24 * time.Hour)}, attempts.since)
}

func TestWriteReportNeedsPostgres(t *testing.T) {
	err := writeReport(context.Background(), io.Discard, &Dependencies{}, now)
	assert.ErrorContains(t, err, "postgres not configured")
}

func TestBuildSinkQueuesRemoteSinksOnly(t *testing.T) {
	cfg := config.Defaults()

	sink, async := buildSink(&cfg, &Dependencies{}, discard())
	assert.Nil(t, async)
	assert.Len(t, sink.(events.Fanout), 1)

	audit := &memAudit{}
	sink, async = buildSink(&cfg, &Dependencies{Audit: audit}, discard())
	require.NotNil(t, async)
	assert.Len(t, sink.(events.Fanout), 2)

	sink.Emit(context.Background(), domain.Event{Type: domain.EventAttemptFailed, AttemptID: "a1"})
	require.NoError(t, async.Close(context.Background()))
	assert.Equal(t, []string{"attempt_failed"}, audit.logged)
}

func TestRiskConfigFromFile(t *testing.T) {
	cfg := config.Defaults()
	cfg.Risk.Caps = []config.CapConfig{{Venue: "alpha", Instrument: "BTC-USD", Max: 2}}
	cfg.Risk.Correlations = []config.CorrelationConfig{{A: "ETH-USD", B: "BTC-USD", Coefficient: 0.9}}

	rc := riskConfig(&cfg)
	assert.Equal(t, 2.0, rc.Caps[domain.QuoteKey{Venue: "alpha", Instrument: "BTC-USD"}])
	assert.Equal(t, 0.9, rc.Correlations[risk.PairKey("BTC-USD", "ETH-USD")])
	assert.Equal(t, 30*time.Second, rc.StatisticalGrace)
	assert.Equal(t, cfg.Risk.DefaultPositionCap, rc.DefaultPositionCap)
}

func TestBuildEngineWiresFeedsAndScanners(t *testing.T) {
	cfg := config.Defaults()
	cfg.Venues = []config.VenueConfig{
		{ID: "alpha", FeeBps: 10, FeedURL: "ws://localhost:9001/quotes"},
		{ID: "beta", FeeBps: 5},
	}
	cfg.Instruments = []config.InstrumentConfig{{ID: "ETH-USD", Base: "ETH", Quote: "USD"}}
	cfg.Detector.Statistical.Enabled = true
	cfg.Detector.Statistical.Pairs = []config.PairConfig{{ID: "p", Venue: "alpha", A: "ETH-USD", B: "BTC-USD"}}

	e := buildEngine(&cfg, &Dependencies{}, discard())
	assert.NotNil(t, e.detector)
	assert.NotNil(t, e.statistical)
	assert.Len(t, e.feeds, 1)
	assert.Nil(t, e.hub)
	assert.Nil(t, e.api)
	assert.Nil(t, e.async)

	cfg.API.Enabled = true
	e = buildEngine(&cfg, &Dependencies{}, discard())
	assert.NotNil(t, e.hub)
	assert.NotNil(t, e.api)
}

func TestArchiveModeNeedsArchiver(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, discard())
	assert.ErrorContains(t, a.ArchiveMode(context.Background(), &Dependencies{}), "archiver not configured")
}

func TestLiveModeNeedsAdapterPerVenue(t *testing.T) {
	cfg := config.Defaults()
	cfg.Venues = []config.VenueConfig{{ID: "alpha"}, {ID: "beta"}}
	a := New(&cfg, discard())
	err := a.LiveMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "alpha")
	assert.ErrorContains(t, err, "beta")
}
