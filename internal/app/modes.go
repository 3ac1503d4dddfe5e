package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/executor"
	"github.com/alanyoungcy/arbengine/internal/pipeline"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

const (
	statusInterval = 30 * time.Second
	reportRows     = 20
)

// MonitorMode runs feeds and detection only. Opportunities are logged and
// persisted but never executed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	e := buildEngine(a.cfg, deps, a.logger)
	return a.runEngine(ctx, e, func(ctx context.Context) error {
		out := e.detector.Output()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case opp := <-out:
				a.logger.DebugContext(ctx, "opportunity observed",
					slog.String("opp_id", opp.ID),
					slog.String("kind", string(opp.Kind)),
					slog.Float64("expected_profit", opp.ExpectedProfit),
				)
			}
		}
	})
}

// PaperMode runs the full pipeline against simulated venues that fill
// against the engine's own quotes.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	e := buildEngine(a.cfg, deps, a.logger)
	reg := venue.NewRegistry()
	for _, v := range a.cfg.Venues {
		paper := venue.NewPaper(venue.PaperConfig{
			Name:       v.ID,
			FeeRate:    v.FeeRate(),
			Latency:    a.cfg.Paper.Latency.Duration,
			RejectRate: a.cfg.Paper.RejectRate,
		}, e.agg, a.logger)
		reg.Register(a.limit(paper))
	}
	return a.trade(ctx, e, deps, reg)
}

// LiveMode runs the full pipeline against adapters registered through
// RegisterVenue. Every configured venue must have one.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	want := make([]string, 0, len(a.cfg.Venues))
	for _, v := range a.cfg.Venues {
		want = append(want, v.ID)
	}
	if missing := a.venues.Missing(want); len(missing) > 0 {
		return fmt.Errorf("app: live mode: no adapter registered for venues %v", missing)
	}

	reg := venue.NewRegistry()
	for _, id := range want {
		adapter, err := a.venues.Get(id)
		if err != nil {
			return fmt.Errorf("app: live mode: %w", err)
		}
		reg.Register(a.limit(adapter))
	}
	e := buildEngine(a.cfg, deps, a.logger)
	return a.trade(ctx, e, deps, reg)
}

// ArchiveMode uploads terminal attempts older than s3.archive_after and
// exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archive mode: archiver not configured")
	}
	job, err := pipeline.NewArchiveSchedule(deps.Archiver, a.cfg.S3.ArchiveAfter.Duration, "", a.logger)
	if err != nil {
		return fmt.Errorf("app: archive mode: %w", err)
	}
	if _, err := job.RunOnce(ctx); err != nil {
		return fmt.Errorf("app: archive mode: %w", err)
	}
	return nil
}

// ReportMode prints recent attempts, realized PnL and audit entries.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies) error {
	return writeReport(ctx, a.out, deps, time.Now())
}

func (a *App) limit(adapter domain.VenueAdapter) domain.VenueAdapter {
	v, ok := a.cfg.VenueByID(adapter.Name())
	if !ok || v.OrdersPerSecond <= 0 {
		return adapter
	}
	return venue.NewRateLimited(adapter, v.OrdersPerSecond, v.Burst)
}

func (a *App) trade(ctx context.Context, e *engine, deps *Dependencies, venues *venue.Registry) error {
	if deps.Archiver != nil && a.cfg.S3.ArchiveCron != "" {
		job, err := pipeline.NewArchiveSchedule(deps.Archiver, a.cfg.S3.ArchiveAfter.Duration, a.cfg.S3.ArchiveCron, a.logger)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		e.jobs = append(e.jobs, job)
	}

	gate := e.gate(a.cfg, a.logger)
	coord := e.coordinator(a.cfg, deps, venues, a.logger)
	router := executor.NewRouter(gate, coord, a.cfg.Engine.DrainTimeout.Duration, a.logger)
	a.logger.InfoContext(ctx, "execution enabled", slog.Any("venues", venues.Names()))
	return a.runEngine(ctx, e, func(ctx context.Context) error {
		return router.Run(ctx, e.detector.Output())
	})
}

// runEngine runs the feeds, the detector, the status loop and consume
// until one of them fails or ctx is cancelled, then flushes queued events.
func (a *App) runEngine(ctx context.Context, e *engine, consume func(context.Context) error) error {
	if len(e.feeds) == 0 {
		a.logger.WarnContext(ctx, "no quote feeds configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range e.feeds {
		g.Go(func() error { return f.Run(gctx) })
	}
	for _, j := range e.jobs {
		g.Go(func() error { return j.Run(gctx) })
	}
	g.Go(func() error { return e.detector.Run(gctx) })
	if e.api != nil {
		g.Go(func() error { return e.hub.Run(gctx) })
		g.Go(func() error { return e.api.Run(gctx) })
	}
	g.Go(func() error { return consume(gctx) })
	g.Go(func() error {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				e.logStatus(gctx, a.logger)
			}
		}
	})

	err := g.Wait()
	e.logStatus(context.Background(), a.logger)
	e.closeSink(a.logger)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writeReport(ctx context.Context, w io.Writer, deps *Dependencies, now time.Time) error {
	if deps.Attempts == nil {
		return errors.New("app: report: postgres not configured")
	}
	attempts, err := deps.Attempts.ListRecent(ctx, reportRows)
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}
	day, err := deps.Attempts.SumRealizedPnL(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}
	week, err := deps.Attempts.SumRealizedPnL(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}

	fmt.Fprintf(w, "\nRecent attempts (%d)\n", len(attempts))
	table := tablewriter.NewWriter(w)
	table.Header("Attempt", "Kind", "State", "Legs", "Expected", "Realized", "Reason", "Completed")
	for _, at := range attempts {
		table.Append(
			shortID(at.ID),
			string(at.Kind),
			string(at.State),
			fmt.Sprintf("%d", len(at.Legs)),
			fmt.Sprintf("%.4f %s", at.ExpectedProfit, at.ProfitCurrency),
			fmt.Sprintf("%.4f", at.RealizedPnL),
			string(at.Reason),
			formatTime(at.CompletedAt),
		)
	}
	table.Render()

	fmt.Fprintf(w, "\nRealized PnL: 24h %.4f | 7d %.4f\n", day, week)

	if deps.Audit == nil {
		return nil
	}
	entries, err := deps.Audit.List(ctx, reportRows, 0)
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}
	fmt.Fprintf(w, "\nAudit log (%d)\n", len(entries))
	audit := tablewriter.NewWriter(w)
	audit.Header("At", "Event", "Opportunity", "Reason")
	for _, en := range entries {
		audit.Append(
			formatTime(en.CreatedAt),
			en.Event,
			shortID(detailString(en.Detail, "opportunity_id")),
			detailString(en.Detail, "reason"),
		)
	}
	audit.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func detailString(detail map[string]any, key string) string {
	v, ok := detail[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
