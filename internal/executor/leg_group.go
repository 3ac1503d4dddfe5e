package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ClientOrderID is the idempotency key of a primary leg order.
func ClientOrderID(attemptID string, leg int) string {
	return fmt.Sprintf("%s-L%d", attemptID, leg)
}

// RetryOrderID is the key of the n-th resubmission of a rejected leg.
func RetryOrderID(attemptID string, leg, n int) string {
	return fmt.Sprintf("%s-L%dr%d", attemptID, leg, n)
}

// UnwindOrderID is the key of the n-th unwind order for a leg. The first
// unwind has no retry suffix.
func UnwindOrderID(attemptID string, leg, n int) string {
	if n == 0 {
		return fmt.Sprintf("%s-U%d", attemptID, leg)
	}
	return fmt.Sprintf("%s-U%dr%d", attemptID, leg, n)
}

// newLegs builds pending executions for an opportunity's legs.
func newLegs(attemptID string, legs []domain.Leg) []domain.LegExecution {
	out := make([]domain.LegExecution, len(legs))
	for i, l := range legs {
		out[i] = domain.LegExecution{
			Index:         i,
			Leg:           l,
			ClientOrderID: ClientOrderID(attemptID, i),
			State:         domain.LegPending,
		}
	}
	return out
}

// runLegGroup runs fn once per leg, each in its own goroutine, and returns
// when all have finished. Each goroutine owns exactly one element of legs, so
// no leg state is shared until the join.
func runLegGroup(ctx context.Context, legs []domain.LegExecution, fn func(ctx context.Context, le *domain.LegExecution)) {
	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(le *domain.LegExecution) {
			defer wg.Done()
			fn(ctx, le)
		}(&legs[i])
	}
	wg.Wait()
}
