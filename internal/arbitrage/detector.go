package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const passLockKey = "arbengine:detector:pass"

// SnapshotSource is the slice of the aggregator the detector needs.
type SnapshotSource interface {
	Snapshot() domain.Snapshot
	Updates() <-chan struct{}
}

// DetectorConfig configures the detector. Store, Mirror and Lock are
// optional.
type DetectorConfig struct {
	Source       SnapshotSource
	Registry     *Registry
	Interval     time.Duration
	DedupTTL     time.Duration
	OutputBuffer int
	Sink         domain.EventSink
	Store        domain.OpportunityStore
	Mirror       domain.QuoteMirror
	Lock         domain.LockManager
	LockTTL      time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Detector runs every registered scanner against aggregator snapshots. Only
// one pass is ever in flight, so overlapping snapshots cannot produce
// overlapping duplicate opportunities.
type Detector struct {
	cfg    DetectorConfig
	passMu sync.Mutex
	seen   *window
	out    chan domain.Opportunity
	logger *slog.Logger
}

// NewDetector creates a detector over cfg.Source.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.OutputBuffer < 1 {
		cfg.OutputBuffer = 64
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = domain.NopSink{}
	}
	return &Detector{
		cfg:    cfg,
		seen:   newWindow(cfg.DedupTTL),
		out:    make(chan domain.Opportunity, cfg.OutputBuffer),
		logger: cfg.Logger.With(slog.String("component", "arb_detector")),
	}
}

// Output delivers emitted opportunities to the execution side.
func (d *Detector) Output() <-chan domain.Opportunity { return d.out }

// Run triggers a pass on every aggregator update and on every tick,
// whichever comes first. It blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "arb detector started",
		slog.Any("scanners", d.cfg.Registry.List()),
		slog.Duration("interval", d.cfg.Interval),
	)
	defer d.logger.Info("arb detector stopped")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	cleanupEvery := d.cfg.DedupTTL
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	updates := d.cfg.Source.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updates:
			d.pass(ctx)
		case <-ticker.C:
			d.pass(ctx)
		case <-cleanup.C:
			d.seen.Cleanup(d.cfg.Now())
		}
	}
}

func (d *Detector) pass(ctx context.Context) {
	if _, err := d.RunPass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WarnContext(ctx, "detector pass failed", slog.String("error", err.Error()))
	}
}

// RunPass takes one snapshot, runs all scanners concurrently, drops
// fingerprints emitted within the dedup TTL and publishes the rest. It
// returns domain.ErrPassInFlight if another pass is running.
func (d *Detector) RunPass(ctx context.Context) ([]domain.Opportunity, error) {
	if !d.passMu.TryLock() {
		return nil, domain.ErrPassInFlight
	}
	defer d.passMu.Unlock()

	if d.cfg.Lock != nil {
		unlock, err := d.cfg.Lock.Acquire(ctx, passLockKey, d.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			d.logger.DebugContext(ctx, "detector pass skipped, lock held elsewhere")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("arb detector: acquire pass lock: %w", err)
		}
		defer unlock()
	}

	snap := d.cfg.Source.Snapshot()
	scanners := d.cfg.Registry.Scanners()
	results := make([][]domain.Opportunity, len(scanners))

	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range scanners {
		g.Go(func() error {
			opps, err := sc.Scan(gctx, snap)
			if err != nil {
				d.logger.WarnContext(gctx, "scanner failed",
					slog.String("scanner", sc.Name()),
					slog.String("error", err.Error()),
				)
			}
			results[i] = opps
			return nil
		})
	}
	_ = g.Wait()

	now := d.cfg.Now()
	var emitted []domain.Opportunity
	for _, batch := range results {
		for _, opp := range batch {
			if err := opp.Validate(); err != nil {
				d.logger.WarnContext(ctx, "malformed opportunity dropped",
					slog.String("opp_id", opp.ID),
					slog.String("kind", string(opp.Kind)),
				)
				continue
			}
			if d.seen.Seen(opp.Fingerprint, now) {
				continue
			}
			emitted = append(emitted, opp)
			d.publish(ctx, opp)
		}
	}

	if d.cfg.Mirror != nil {
		if err := d.cfg.Mirror.PutSnapshot(ctx, snap); err != nil {
			d.logger.WarnContext(ctx, "quote mirror update failed", slog.String("error", err.Error()))
		}
	}
	return emitted, nil
}

func (d *Detector) publish(ctx context.Context, opp domain.Opportunity) {
	d.cfg.Sink.Emit(ctx, domain.Event{
		Type:          domain.EventOpportunityDetected,
		At:            opp.DetectedAt,
		OpportunityID: opp.ID,
		Kind:          opp.Kind,
		Detail: map[string]any{
			"expected_profit": opp.ExpectedProfit,
			"currency":        opp.ProfitCurrency,
			"legs":            len(opp.Legs),
			"expiry":          opp.Expiry,
		},
	})

	if d.cfg.Store != nil {
		if err := d.cfg.Store.Insert(ctx, opp); err != nil {
			d.logger.WarnContext(ctx, "opportunity store insert failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	select {
	case d.out <- opp:
	default:
		d.logger.WarnContext(ctx, "opportunity dropped, execution backlog full",
			slog.String("opp_id", opp.ID),
			slog.String("kind", string(opp.Kind)),
		)
	}
}
