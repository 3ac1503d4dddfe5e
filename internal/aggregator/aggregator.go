// Package aggregator keeps the latest quote per (venue, instrument) and hands
// out staleness-filtered snapshots.
package aggregator

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Config holds staleness thresholds.
type Config struct {
	Thresholds       map[string]time.Duration
	DefaultThreshold time.Duration
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

type slot struct {
	quote domain.Quote
	valid bool
}

// Counters are cumulative ingestion counts.
type Counters struct {
	Submitted  int64
	Invalid    int64
	OutOfOrder int64
}

// Aggregator ingests quotes from venue feeds. SubmitQuote never blocks: each
// key is an atomic pointer updated by compare-and-swap, and snapshot readers
// copy without taking locks shared with producers.
type Aggregator struct {
	cfg    Config
	health *Health
	logger *slog.Logger

	slots   sync.Map // domain.QuoteKey -> *atomic.Pointer[slot]
	updates chan struct{}

	submitted  atomic.Int64
	invalid    atomic.Int64
	outOfOrder atomic.Int64
}

// New creates an Aggregator reporting staleness into health.
func New(cfg Config, health *Health, logger *slog.Logger) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 2 * time.Second
	}
	if health == nil {
		health = NewHealth(0)
	}
	return &Aggregator{
		cfg:     cfg,
		health:  health,
		logger:  logger.With(slog.String("component", "aggregator")),
		updates: make(chan struct{}, 1),
	}
}

// Health returns the tracker the aggregator reports into.
func (a *Aggregator) Health() *Health { return a.health }

// Updates signals (coalesced) that at least one new quote arrived.
func (a *Aggregator) Updates() <-chan struct{} { return a.updates }

func (a *Aggregator) threshold(venue string) time.Duration {
	if d, ok := a.cfg.Thresholds[venue]; ok && d > 0 {
		return d
	}
	return a.cfg.DefaultThreshold
}

// SubmitQuote stores q as the latest observation for its key. Quotes older
// than the stored one are dropped. Crossed or halted quotes replace the
// stored quote but mark the key invalid so it is excluded from snapshots.
func (a *Aggregator) SubmitQuote(q domain.Quote) {
	a.submitted.Add(1)

	next := &slot{quote: q, valid: true}
	if err := q.Validate(); err != nil {
		a.invalid.Add(1)
		next.valid = false
		a.logger.Debug("invalid quote excluded",
			slog.String("venue", q.Venue),
			slog.String("instrument", q.Instrument),
			slog.String("error", err.Error()),
		)
		if q.Venue == "" || q.Instrument == "" {
			return
		}
	}

	v, _ := a.slots.LoadOrStore(q.Key(), new(atomic.Pointer[slot]))
	ptr := v.(*atomic.Pointer[slot])
	for {
		cur := ptr.Load()
		if cur != nil && !newer(q, cur.quote) {
			a.outOfOrder.Add(1)
			return
		}
		if ptr.CompareAndSwap(cur, next) {
			break
		}
	}

	select {
	case a.updates <- struct{}{}:
	default:
	}
}

// newer reports whether q supersedes cur. Sequence numbers win when both
// carry one; otherwise observation time decides.
func newer(q, cur domain.Quote) bool {
	if q.Sequence != 0 && cur.Sequence != 0 {
		return q.Sequence > cur.Sequence
	}
	return !q.ObservedAt.Before(cur.ObservedAt)
}

// Snapshot returns a copy of every valid, fresh quote. Stale quotes are
// counted against their venue's health and left out.
func (a *Aggregator) Snapshot() domain.Snapshot {
	now := a.cfg.Now()
	snap := domain.Snapshot{
		At:               now,
		Quotes:           make(map[domain.QuoteKey]domain.Quote),
		Thresholds:       make(map[string]time.Duration, len(a.cfg.Thresholds)),
		DefaultThreshold: a.cfg.DefaultThreshold,
	}
	for k, v := range a.cfg.Thresholds {
		snap.Thresholds[k] = v
	}

	a.slots.Range(func(k, v any) bool {
		s := v.(*atomic.Pointer[slot]).Load()
		if s == nil || !s.valid {
			return true
		}
		stale := now.Sub(s.quote.ObservedAt) > a.threshold(s.quote.Venue)
		a.health.ObserveQuote(s.quote.Venue, stale)
		if !stale {
			snap.Quotes[k.(domain.QuoteKey)] = s.quote
		}
		return true
	})
	return snap
}

// Latest returns the most recent valid quote for a key regardless of age.
func (a *Aggregator) Latest(venue, instrument string) (domain.Quote, bool) {
	v, ok := a.slots.Load(domain.QuoteKey{Venue: venue, Instrument: instrument})
	if !ok {
		return domain.Quote{}, false
	}
	s := v.(*atomic.Pointer[slot]).Load()
	if s == nil || !s.valid {
		return domain.Quote{}, false
	}
	return s.quote, true
}

// Mid returns the latest valid mid price for a key.
func (a *Aggregator) Mid(venue, instrument string) (float64, bool) {
	q, ok := a.Latest(venue, instrument)
	if !ok {
		return 0, false
	}
	return q.Mid(), true
}

// Counters returns cumulative ingestion counts.
func (a *Aggregator) Counters() Counters {
	return Counters{
		Submitted:  a.submitted.Load(),
		Invalid:    a.invalid.Load(),
		OutOfOrder: a.outOfOrder.Load(),
	}
}
