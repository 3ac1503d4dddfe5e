package arbitrage_test

import (
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func snapshotOf(at time.Time, quotes ...domain.Quote) domain.Snapshot {
	s := domain.Snapshot{
		At:               at,
		Quotes:           make(map[domain.QuoteKey]domain.Quote, len(quotes)),
		Thresholds:       map[string]time.Duration{},
		DefaultThreshold: 2 * time.Second,
	}
	for _, q := range quotes {
		s.Quotes[q.Key()] = q
	}
	return s
}

func bookQuote(venue, instr string, bid, bidSize, ask, askSize float64, at time.Time) domain.Quote {
	return domain.Quote{
		Venue: venue, Instrument: instr,
		BidPrice: bid, BidSize: bidSize,
		AskPrice: ask, AskSize: askSize,
		ObservedAt: at, Sequence: 1,
	}
}
