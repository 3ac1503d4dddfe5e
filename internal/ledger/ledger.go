// Package ledger is the single source of truth for holdings and in-flight
// reservations per (venue, instrument).
//
// Every key has its own mutex; operations touching several keys lock them in
// sorted order. Writers additionally hold the read side of a commit gate and
// Snapshot holds the write side, so a snapshot never observes a partially
// applied attempt while unrelated keys still proceed in parallel.
package ledger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Delta is a signed quantity reserved for one leg of an attempt.
type Delta struct {
	Leg        int
	Venue      string
	Instrument string
	Quantity   decimal.Decimal
}

// NewDelta builds a Delta from float inputs.
func NewDelta(leg int, venue, instrument string, signedQty float64) Delta {
	return Delta{Leg: leg, Venue: venue, Instrument: instrument, Quantity: decimal.NewFromFloat(signedQty)}
}

func (d Delta) key() domain.QuoteKey { return domain.QuoteKey{Venue: d.Venue, Instrument: d.Instrument} }

// Fill is a signed executed quantity for one leg.
type Fill struct {
	Leg        int
	Venue      string
	Instrument string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
}

// NewFill builds a Fill from float inputs.
func NewFill(leg int, venue, instrument string, signedQty, price float64) Fill {
	return Fill{
		Leg:        leg,
		Venue:      venue,
		Instrument: instrument,
		Quantity:   decimal.NewFromFloat(signedQty),
		Price:      decimal.NewFromFloat(price),
	}
}

func (f Fill) key() domain.QuoteKey { return domain.QuoteKey{Venue: f.Venue, Instrument: f.Instrument} }

// CapFunc returns the absolute position cap for a key. ok=false means the
// key is uncapped.
type CapFunc func(venue, instrument string) (limit decimal.Decimal, ok bool)

// Snapshot is a consistent view of all positions as of one instant.
type Snapshot struct {
	AsOf      time.Time
	Positions map[domain.QuoteKey]domain.Position
}

type entry struct {
	mu  sync.Mutex
	pos domain.Position
}

type reservation struct {
	deltas map[int]Delta
}

// Ledger tracks positions and reservations.
type Ledger struct {
	commit sync.RWMutex

	mu      sync.Mutex
	entries map[domain.QuoteKey]*entry

	resMu        sync.Mutex
	reservations map[string]*reservation

	expMu     sync.Mutex
	exposures []domain.Exposure

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty ledger. now may be nil.
func New(now func() time.Time, logger *slog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		entries:      make(map[domain.QuoteKey]*entry),
		reservations: make(map[string]*reservation),
		now:          now,
		logger:       logger.With(slog.String("component", "ledger")),
	}
}

func (l *Ledger) entry(k domain.QuoteKey) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[k]
	if !ok {
		e = &entry{pos: domain.Position{
			Venue:         k.Venue,
			Instrument:    k.Instrument,
			Quantity:      decimal.Zero,
			Reserved:      decimal.Zero,
			ReservedLong:  decimal.Zero,
			ReservedShort: decimal.Zero,
			LastPrice:     decimal.Zero,
		}}
		l.entries[k] = e
	}
	return e
}

// lockKeys locks the entries for keys in sorted order and returns them with
// an unlock func.
func (l *Ledger) lockKeys(keys map[domain.QuoteKey]struct{}) (map[domain.QuoteKey]*entry, func()) {
	sorted := make([]domain.QuoteKey, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Venue != sorted[j].Venue {
			return sorted[i].Venue < sorted[j].Venue
		}
		return sorted[i].Instrument < sorted[j].Instrument
	})

	locked := make(map[domain.QuoteKey]*entry, len(sorted))
	order := make([]*entry, 0, len(sorted))
	for _, k := range sorted {
		e := l.entry(k)
		e.mu.Lock()
		locked[k] = e
		order = append(order, e)
	}
	return locked, func() {
		for i := len(order) - 1; i >= 0; i-- {
			order[i].mu.Unlock()
		}
	}
}

// sides splits reservation deltas into gross buy and sell totals.
type sides struct {
	buy, sell decimal.Decimal
}

func (s *sides) add(q decimal.Decimal) {
	if q.Sign() > 0 {
		s.buy = s.buy.Add(q)
	} else {
		s.sell = s.sell.Sub(q)
	}
}

// Reserve provisionally commits deltas for attemptID. It is all-or-nothing:
// if any key could exceed its cap nothing is reserved. The cap is checked
// against the worst case of every in-flight buy filling or every in-flight
// sell filling, so opposite-sign reservations never offset each other.
func (l *Ledger) Reserve(attemptID string, deltas []Delta, caps CapFunc) error {
	if attemptID == "" || len(deltas) == 0 {
		return fmt.Errorf("ledger: reserve: empty attempt or deltas: %w", domain.ErrLedgerInconsistency)
	}

	res := &reservation{deltas: make(map[int]Delta, len(deltas))}
	perKey := make(map[domain.QuoteKey]*sides)
	keys := make(map[domain.QuoteKey]struct{})
	for _, d := range deltas {
		if _, dup := res.deltas[d.Leg]; dup {
			return fmt.Errorf("ledger: reserve %s: duplicate leg %d: %w", attemptID, d.Leg, domain.ErrLedgerInconsistency)
		}
		res.deltas[d.Leg] = d
		sd, ok := perKey[d.key()]
		if !ok {
			sd = &sides{buy: decimal.Zero, sell: decimal.Zero}
			perKey[d.key()] = sd
		}
		sd.add(d.Quantity)
		keys[d.key()] = struct{}{}
	}

	// Claim the attempt id before touching any key so a concurrent duplicate
	// reservation fails fast.
	l.resMu.Lock()
	if _, exists := l.reservations[attemptID]; exists {
		l.resMu.Unlock()
		return fmt.Errorf("ledger: reserve %s: already reserved: %w", attemptID, domain.ErrLedgerInconsistency)
	}
	l.reservations[attemptID] = nil
	l.resMu.Unlock()

	l.commit.RLock()
	defer l.commit.RUnlock()

	locked, unlock := l.lockKeys(keys)
	defer unlock()

	for k, sd := range perKey {
		if caps == nil {
			break
		}
		limit, ok := caps(k.Venue, k.Instrument)
		if !ok {
			continue
		}
		if after, breach := locked[k].pos.Breach(sd.buy, sd.sell, limit); breach {
			l.resMu.Lock()
			delete(l.reservations, attemptID)
			l.resMu.Unlock()
			return fmt.Errorf("ledger: reserve %s: %s would reach %s (cap %s): %w",
				attemptID, k, after.String(), limit.String(), domain.ErrExposureLimit)
		}
	}

	now := l.now()
	for k, sd := range perKey {
		p := &locked[k].pos
		p.ReservedLong = p.ReservedLong.Add(sd.buy)
		p.ReservedShort = p.ReservedShort.Add(sd.sell)
		p.Reserved = p.ReservedLong.Sub(p.ReservedShort)
		p.UpdatedAt = now
	}

	l.resMu.Lock()
	l.reservations[attemptID] = res
	l.resMu.Unlock()
	return nil
}

// takeReservation returns the reservation for attemptID, or an error if the
// attempt never reserved or is still being reserved.
func (l *Ledger) takeReservation(attemptID string) (*reservation, error) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	res, ok := l.reservations[attemptID]
	if !ok || res == nil {
		return nil, fmt.Errorf("ledger: attempt %s has no reservation: %w", attemptID, domain.ErrLedgerInconsistency)
	}
	return res, nil
}

// Release drops every outstanding reservation of attemptID without booking
// any fill.
func (l *Ledger) Release(attemptID string) error {
	return l.Settle(attemptID, nil)
}

// Settle books fills for attemptID in the given order and releases the
// attempt's remaining reservation, atomically. A fill that does not match a
// reserved leg, has the wrong sign, or exceeds the reserved quantity is a
// ledger inconsistency and nothing is mutated.
func (l *Ledger) Settle(attemptID string, fills []Fill) error {
	l.commit.RLock()
	defer l.commit.RUnlock()

	res, err := l.takeReservation(attemptID)
	if err != nil {
		return err
	}

	keys := make(map[domain.QuoteKey]struct{}, len(res.deltas))
	for _, d := range res.deltas {
		keys[d.key()] = struct{}{}
	}
	for _, f := range fills {
		d, ok := res.deltas[f.Leg]
		if !ok {
			return fmt.Errorf("ledger: settle %s: leg %d was not reserved: %w", attemptID, f.Leg, domain.ErrLedgerInconsistency)
		}
		if d.key() != f.key() {
			return fmt.Errorf("ledger: settle %s: leg %d key %s != reserved %s: %w", attemptID, f.Leg, f.key(), d.key(), domain.ErrLedgerInconsistency)
		}
		if f.Quantity.Sign() != 0 && f.Quantity.Sign() != d.Quantity.Sign() {
			return fmt.Errorf("ledger: settle %s: leg %d fill sign differs from reservation: %w", attemptID, f.Leg, domain.ErrLedgerInconsistency)
		}
		if f.Quantity.Abs().GreaterThan(d.Quantity.Abs()) {
			return fmt.Errorf("ledger: settle %s: leg %d fill %s exceeds reserved %s: %w",
				attemptID, f.Leg, f.Quantity.String(), d.Quantity.String(), domain.ErrLedgerInconsistency)
		}
	}

	locked, unlock := l.lockKeys(keys)
	defer unlock()

	l.resMu.Lock()
	if l.reservations[attemptID] != res {
		l.resMu.Unlock()
		return fmt.Errorf("ledger: settle %s: reservation already released: %w", attemptID, domain.ErrLedgerInconsistency)
	}
	delete(l.reservations, attemptID)
	l.resMu.Unlock()

	now := l.now()
	for _, f := range fills {
		p := &locked[f.key()].pos
		p.Quantity = p.Quantity.Add(f.Quantity)
		if f.Price.Sign() > 0 {
			p.LastPrice = f.Price
		}
		p.UpdatedAt = now
	}
	for _, d := range res.deltas {
		p := &locked[d.key()].pos
		if d.Quantity.Sign() > 0 {
			p.ReservedLong = p.ReservedLong.Sub(d.Quantity)
		} else {
			p.ReservedShort = p.ReservedShort.Add(d.Quantity)
		}
		p.Reserved = p.ReservedLong.Sub(p.ReservedShort)
		p.UpdatedAt = now
	}
	return nil
}

// Apply books fills that were never reserved, such as unwind orders. All
// fills land atomically with respect to Snapshot.
func (l *Ledger) Apply(attemptID string, fills []Fill) error {
	if len(fills) == 0 {
		return nil
	}
	keys := make(map[domain.QuoteKey]struct{}, len(fills))
	for _, f := range fills {
		if f.Venue == "" || f.Instrument == "" {
			return fmt.Errorf("ledger: apply %s: fill without key: %w", attemptID, domain.ErrLedgerInconsistency)
		}
		keys[f.key()] = struct{}{}
	}

	l.commit.RLock()
	defer l.commit.RUnlock()

	locked, unlock := l.lockKeys(keys)
	defer unlock()

	now := l.now()
	for _, f := range fills {
		p := &locked[f.key()].pos
		p.Quantity = p.Quantity.Add(f.Quantity)
		if f.Price.Sign() > 0 {
			p.LastPrice = f.Price
		}
		p.UpdatedAt = now
	}
	return nil
}

// RecordExposure stores a residual position that needs intervention.
func (l *Ledger) RecordExposure(e domain.Exposure) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	l.expMu.Lock()
	l.exposures = append(l.exposures, e)
	l.expMu.Unlock()
	l.logger.Warn("residual exposure recorded",
		slog.String("attempt_id", e.AttemptID),
		slog.String("venue", e.Venue),
		slog.String("instrument", e.Instrument),
		slog.Float64("quantity", e.Quantity),
		slog.String("reason", string(e.Reason)),
	)
}

// Exposures returns a copy of all recorded exposures.
func (l *Ledger) Exposures() []domain.Exposure {
	l.expMu.Lock()
	defer l.expMu.Unlock()
	return append([]domain.Exposure(nil), l.exposures...)
}

// Position returns the current position for a key. Missing keys report a
// zero position.
func (l *Ledger) Position(venue, instrument string) domain.Position {
	e := l.entry(domain.QuoteKey{Venue: venue, Instrument: instrument})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// Snapshot returns every position as of a single instant. No attempt is ever
// half-applied in the result.
func (l *Ledger) Snapshot() Snapshot {
	l.commit.Lock()
	defer l.commit.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := Snapshot{AsOf: l.now(), Positions: make(map[domain.QuoteKey]domain.Position, len(l.entries))}
	for k, e := range l.entries {
		out.Positions[k] = e.pos
	}
	return out
}

// Outstanding reports how many attempts currently hold reservations.
func (l *Ledger) Outstanding() int {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	n := 0
	for _, r := range l.reservations {
		if r != nil {
			n++
		}
	}
	return n
}
