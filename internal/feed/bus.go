package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// BusFeed reads normalized quotes from a pub/sub channel, so adapters
// running in other processes can publish into the engine. Each payload must
// name its venue.
type BusFeed struct {
	bus     domain.SignalBus
	channel string
	sink    QuoteSink
	dec     *decoder
	logger  *slog.Logger
}

func NewBusFeed(bus domain.SignalBus, channel string, sink QuoteSink, logger *slog.Logger) *BusFeed {
	return &BusFeed{
		bus:     bus,
		channel: channel,
		sink:    sink,
		dec:     &decoder{now: time.Now},
		logger:  logger.With(slog.String("component", "bus_feed"), slog.String("channel", channel)),
	}
}

// Run subscribes and forwards quotes until ctx is cancelled or the
// subscription closes.
func (f *BusFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.InfoContext(ctx, "bus feed started")
	defer f.logger.Info("bus feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("feed: subscription %s closed", f.channel)
			}
			quotes, err := f.dec.decode(data)
			for _, q := range quotes {
				f.sink.SubmitQuote(q)
			}
			if err != nil {
				f.logger.DebugContext(ctx, "bus message dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}
