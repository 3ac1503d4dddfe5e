package venue

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// RateLimited throttles every call to the wrapped adapter through a token
// bucket. Calls block until a token is available or ctx is done.
type RateLimited struct {
	next    domain.VenueAdapter
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limiter of perSecond requests and the
// given burst. A non-positive perSecond returns next unchanged.
func NewRateLimited(next domain.VenueAdapter, perSecond float64, burst int) domain.VenueAdapter {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("venue %s: %w: %w", r.next.Name(), domain.ErrRateLimited, err)
	}
	return nil
}

func (r *RateLimited) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := r.wait(ctx); err != nil {
		return domain.OrderAck{}, err
	}
	return r.next.PlaceOrder(ctx, req)
}

func (r *RateLimited) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.next.CancelOrder(ctx, clientOrderID)
}

func (r *RateLimited) GetOrderStatus(ctx context.Context, clientOrderID string) (domain.OrderAck, error) {
	if err := r.wait(ctx); err != nil {
		return domain.OrderAck{}, err
	}
	return r.next.GetOrderStatus(ctx, clientOrderID)
}
