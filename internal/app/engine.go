package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/aggregator"
	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/events"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/feed"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/risk"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
)

const eventBuffer = 1024

type runner interface {
	Run(ctx context.Context) error
}

// engine is the detection side shared by every trading mode: aggregator,
// scanners, detector, feeds and the event pipeline.
type engine struct {
	agg         *aggregator.Aggregator
	detector    *arbitrage.Detector
	statistical *arbitrage.Statistical
	ledger      *ledger.Ledger
	sink        domain.EventSink
	async       *events.Async
	feeds       []runner
	jobs        []runner
	hub         *ws.Hub
	api         *server.Server
}

func buildEngine(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *engine {
	e := &engine{}
	var local []domain.EventSink
	if cfg.API.Enabled {
		e.hub = ws.NewHub(ws.Config{Mode: cfg.Engine.Mode}, logger)
		local = append(local, e.hub)
	}
	e.agg = aggregator.New(aggregator.Config{
		Thresholds:       cfg.StalenessThresholds(),
		DefaultThreshold: cfg.Engine.DefaultStaleness.Duration,
	}, aggregator.NewHealth(cfg.Risk.HealthDecay), logger)
	e.ledger = ledger.New(time.Now, logger)
	e.sink, e.async = buildSink(cfg, deps, logger, local...)

	reg := arbitrage.NewRegistry()
	fees := arbitrage.FeeSchedule(cfg.FeeRates())
	d := cfg.Detector
	if d.Spread.Enabled {
		reg.Register(arbitrage.NewSpread(arbitrage.SpreadConfig{
			MinProfit:   d.Spread.MinProfit,
			MinNotional: d.Spread.MinNotional,
			MaxQuantity: d.Spread.MaxQuantity,
			Fees:        fees,
			Instruments: instrumentIndex(cfg),
		}, logger))
	}
	if d.Triangular.Enabled {
		reg.Register(arbitrage.NewTriangular(arbitrage.TriangularConfig{
			MaxDepth:       d.Triangular.MaxDepth,
			Epsilon:        d.Triangular.Epsilon,
			MaxIterations:  d.Triangular.MaxIterations,
			TimeBudget:     d.Triangular.TimeBudget.Duration,
			MaxStartAmount: d.Triangular.MaxStartAmount,
			Fees:           fees,
			Instruments:    instruments(cfg),
		}, logger))
	}
	if d.Statistical.Enabled {
		e.statistical = arbitrage.NewStatistical(arbitrage.StatisticalConfig{
			Lookback:         d.Statistical.Lookback,
			ZThreshold:       d.Statistical.ZThreshold,
			MinCorrelation:   d.Statistical.MinCorrelation,
			CorrelationEvery: d.Statistical.CorrelationEvery,
			Notional:         d.Statistical.Notional,
			Pairs:            pairs(cfg),
			Fees:             fees,
			Instruments:      instrumentIndex(cfg),
		}, logger)
		reg.Register(e.statistical)
	}

	dc := arbitrage.DetectorConfig{
		Source:       e.agg,
		Registry:     reg,
		Interval:     d.Interval.Duration,
		DedupTTL:     d.DedupTTL.Duration,
		OutputBuffer: d.OutputBuffer,
		LockTTL:      d.LockTTL.Duration,
		Sink:         e.sink,
		Logger:       logger,
	}
	if deps.Opportunities != nil {
		dc.Store = deps.Opportunities
	}
	if deps.Mirror != nil {
		dc.Mirror = deps.Mirror
	}
	if deps.Lock != nil {
		dc.Lock = deps.Lock
	}
	e.detector = arbitrage.NewDetector(dc)

	for _, v := range cfg.Venues {
		if v.FeedURL == "" {
			continue
		}
		e.feeds = append(e.feeds, feed.NewWSFeed(feed.WSConfig{
			Venue:       v.ID,
			URL:         v.FeedURL,
			Instruments: instrumentIDs(cfg),
		}, e.agg, logger))
	}
	if cfg.Redis.QuoteChannel != "" && deps.Bus != nil {
		e.feeds = append(e.feeds, feed.NewBusFeed(deps.Bus, cfg.Redis.QuoteChannel, e.agg, logger))
	}
	if cfg.API.Enabled {
		e.api = buildAPI(cfg, e, deps, logger)
	}
	return e
}

func buildAPI(cfg *config.Config, e *engine, deps *Dependencies, logger *slog.Logger) *server.Server {
	return server.NewServer(server.Config{
		Addr:              cfg.API.Addr,
		CORSOrigins:       cfg.API.CORSOrigins,
		APIKey:            cfg.API.APIKey,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(),
		Status:    handler.NewStatusHandler(cfg.Engine.Mode, time.Now(), e.agg, e.agg.Health(), e.ledger),
		Positions: handler.NewPositionHandler(e.ledger),
		History:   handler.NewHistoryHandler(deps.Opportunities, deps.Attempts, deps.Audit, logger),
	}, e.hub, logger)
}

// buildSink logs every event synchronously, along with the local sinks, and
// hands everything that does network I/O to a buffered worker so detection
// and execution never wait on it. The returned Async is nil when no network
// sink is configured.
func buildSink(cfg *config.Config, deps *Dependencies, logger *slog.Logger, local ...domain.EventSink) (domain.EventSink, *events.Async) {
	var remote events.Fanout
	if deps.Bus != nil && (cfg.Redis.EventChannel != "" || cfg.Redis.EventStream != "") {
		remote = append(remote, events.NewBusSink(deps.Bus, cfg.Redis.EventChannel, cfg.Redis.EventStream, logger))
	}
	if deps.Audit != nil {
		remote = append(remote, events.NewAuditSink(deps.Audit, logger))
	}
	if deps.Opportunities != nil {
		remote = append(remote, events.NewOutcomeSink(deps.Opportunities, logger))
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		remote = append(remote, events.NewNotifySink(deps.Notifier, logger))
	}

	sinks := events.Fanout{events.NewLogSink(logger)}
	sinks = append(sinks, local...)
	if len(remote) == 0 {
		return sinks, nil
	}
	async := events.NewAsync(remote, eventBuffer, logger)
	return append(sinks, async), async
}

// gate builds the risk gate over the engine's ledger and venue health.
func (e *engine) gate(cfg *config.Config, logger *slog.Logger) *risk.Gate {
	opts := []risk.Option{risk.WithSink(e.sink)}
	if e.statistical != nil {
		opts = append(opts, risk.WithCorrelationSource(e.statistical))
	}
	return risk.NewGate(riskConfig(cfg), e.ledger, e.agg, e.agg.Health(), logger, opts...)
}

func (e *engine) coordinator(cfg *config.Config, deps *Dependencies, venues executor.Venues, logger *slog.Logger) *executor.Coordinator {
	d := executor.Deps{
		Venues: venues,
		Ledger: e.ledger,
		Quotes: e.agg,
		Health: e.agg.Health(),
		Sink:   e.sink,
	}
	if deps.Attempts != nil {
		d.Attempts = deps.Attempts
	}
	if deps.Opportunities != nil {
		d.Opportunities = deps.Opportunities
	}
	return executor.NewCoordinator(executorConfig(cfg), d, logger)
}

// closeSink flushes queued events; it runs after every producer has stopped.
func (e *engine) closeSink(logger *slog.Logger) {
	if e.async == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.async.Close(ctx); err != nil {
		logger.Warn("event sink did not drain", slog.String("error", err.Error()))
	}
	if n := e.async.Dropped(); n > 0 {
		logger.Warn("events dropped under backpressure", slog.Int64("count", n))
	}
}

func (e *engine) logStatus(ctx context.Context, logger *slog.Logger) {
	c := e.agg.Counters()
	logger.InfoContext(ctx, "engine status",
		slog.Int64("quotes", c.Submitted),
		slog.Int64("invalid", c.Invalid),
		slog.Int64("out_of_order", c.OutOfOrder),
		slog.Int("outstanding", e.ledger.Outstanding()),
		slog.Int("exposures", len(e.ledger.Exposures())),
	)
	for _, s := range e.agg.Health().Stats() {
		logger.DebugContext(ctx, "venue health",
			slog.String("venue", s.Venue),
			slog.Float64("stale_ratio", s.StaleRatio),
			slog.Float64("error_rate", s.ErrorRate),
			slog.Int64("orders", s.Orders),
			slog.Int64("failures", s.Failures),
		)
	}
}

func riskConfig(cfg *config.Config) risk.Config {
	r := cfg.Risk
	caps := make(map[domain.QuoteKey]float64, len(r.Caps))
	for _, c := range r.Caps {
		caps[domain.QuoteKey{Venue: c.Venue, Instrument: c.Instrument}] = c.Max
	}
	corr := make(map[string]float64, len(r.Correlations))
	for _, c := range r.Correlations {
		corr[risk.PairKey(c.A, c.B)] = c.Coefficient
	}
	return risk.Config{
		DefaultPositionCap:    r.DefaultPositionCap,
		Caps:                  caps,
		MaxPortfolioNotional:  r.MaxPortfolioNotional,
		MaxCorrelation:        r.MaxCorrelation,
		LargeExposureNotional: r.LargeExposureNotional,
		Correlations:          corr,
		MaxStaleRatio:         r.MaxStaleRatio,
		MaxErrorRate:          r.MaxErrorRate,
		StatisticalGrace:      cfg.Executor.StatisticalExpiryGrace.Duration,
	}
}

func executorConfig(cfg *config.Config) executor.Config {
	e := cfg.Executor
	return executor.Config{
		AckTimeout:         e.AckTimeout.Duration,
		MinAckTimeout:      e.MinAckTimeout.Duration,
		StatusTimeout:      e.StatusTimeout.Duration,
		SubmitRetries:      e.SubmitRetries,
		UnwindTimeout:      e.UnwindTimeout.Duration,
		UnwindRetries:      e.UnwindRetries,
		UnwindSlippageBps:  e.UnwindSlippageBps,
		MaxResidual:        e.MaxResidual,
		StatisticalRetries: e.StatisticalRetries,
		StatisticalGrace:   e.StatisticalExpiryGrace.Duration,
		MaxConcurrent:      e.MaxConcurrentAttempts,
		DedupTTL:           e.DedupTTL.Duration,
	}
}

func instruments(cfg *config.Config) []domain.Instrument {
	out := make([]domain.Instrument, 0, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		out = append(out, domain.Instrument{ID: in.ID, Base: in.Base, Quote: in.Quote})
	}
	return out
}

func instrumentIndex(cfg *config.Config) map[string]domain.Instrument {
	out := make(map[string]domain.Instrument, len(cfg.Instruments))
	for _, in := range instruments(cfg) {
		out[in.ID] = in
	}
	return out
}

func instrumentIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		ids = append(ids, in.ID)
	}
	return ids
}

func pairs(cfg *config.Config) []arbitrage.PairSpec {
	out := make([]arbitrage.PairSpec, 0, len(cfg.Detector.Statistical.Pairs))
	for _, p := range cfg.Detector.Statistical.Pairs {
		out = append(out, arbitrage.PairSpec{ID: p.ID, Venue: p.Venue, A: p.A, B: p.B})
	}
	return out
}
