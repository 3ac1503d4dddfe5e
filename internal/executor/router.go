package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/risk"
)

// Approver is the risk gate as seen by the router.
type Approver interface {
	Approve(ctx context.Context, opp domain.Opportunity) (risk.Approval, error)
}

// Router reads detector output, passes each opportunity through the risk
// gate and hands approvals to the coordinator.
type Router struct {
	gate            Approver
	coord           *Coordinator
	drainTimeout    time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger

	wg sync.WaitGroup
}

// NewRouter creates a Router. drainTimeout bounds how long Run waits for
// in-flight attempts after its context is cancelled.
func NewRouter(gate Approver, coord *Coordinator, drainTimeout time.Duration, logger *slog.Logger) *Router {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Router{
		gate:            gate,
		coord:           coord,
		drainTimeout:    drainTimeout,
		cleanupInterval: 30 * time.Second,
		logger:          logger.With(slog.String("component", "router")),
	}
}

// Run processes opportunities until ctx is cancelled or in is closed, then
// waits for in-flight attempts. Opportunities still buffered at shutdown are
// dropped: they would be stale by the time they could run.
func (r *Router) Run(ctx context.Context, in <-chan domain.Opportunity) error {
	r.logger.InfoContext(ctx, "router started")
	defer r.logger.Info("router stopped")

	cleanup := time.NewTicker(r.cleanupInterval)
	defer cleanup.Stop()

	// Attempts outlive Run's context so shutdown never abandons a leg
	// mid-flight; every wait inside an attempt is bounded on its own.
	execCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			r.drain(in)
			return ctx.Err()

		case opp, ok := <-in:
			if !ok {
				r.wait()
				return nil
			}
			if ctx.Err() != nil {
				r.drain(in)
				return ctx.Err()
			}
			r.dispatch(execCtx, opp)

		case <-cleanup.C:
			r.coord.Cleanup()
		}
	}
}

func (r *Router) dispatch(ctx context.Context, opp domain.Opportunity) {
	appr, err := r.gate.Approve(ctx, opp)
	if err != nil {
		if !errors.Is(err, domain.ErrRiskRejected) {
			r.logger.WarnContext(ctx, "approval failed",
				slog.String("opp_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.coord.Execute(ctx, appr); err != nil {
			r.logger.WarnContext(ctx, "execution not started",
				slog.String("opp_id", opp.ID),
				slog.String("attempt_id", appr.AttemptID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// drain discards buffered opportunities and waits for in-flight attempts.
func (r *Router) drain(in <-chan domain.Opportunity) {
	dropped := 0
	for {
		select {
		case _, ok := <-in:
			if !ok {
				r.finishDrain(dropped)
				return
			}
			dropped++
		default:
			r.finishDrain(dropped)
			return
		}
	}
}

func (r *Router) finishDrain(dropped int) {
	if dropped > 0 {
		r.logger.Warn("dropped buffered opportunities on shutdown", slog.Int("count", dropped))
	}
	r.wait()
}

func (r *Router) wait() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.drainTimeout):
		r.logger.Error("drain timed out with attempts still in flight",
			slog.Duration("timeout", r.drainTimeout),
		)
	}
}
