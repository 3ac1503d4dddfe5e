package domain

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time copy of the freshest valid quote per key.
// Keys with no quote, or only a stale or invalid one, are absent.
type Snapshot struct {
	At         time.Time
	Quotes     map[QuoteKey]Quote
	Thresholds map[string]time.Duration
	// DefaultThreshold applies to venues missing from Thresholds.
	DefaultThreshold time.Duration
}

// Get returns the quote for venue and instrument.
func (s Snapshot) Get(venue, instrument string) (Quote, bool) {
	q, ok := s.Quotes[QuoteKey{Venue: venue, Instrument: instrument}]
	return q, ok
}

// ByInstrument groups quotes by instrument. Each group is sorted by venue so
// callers iterate deterministically.
func (s Snapshot) ByInstrument() map[string][]Quote {
	out := make(map[string][]Quote)
	for _, q := range s.Quotes {
		out[q.Instrument] = append(out[q.Instrument], q)
	}
	for _, qs := range out {
		sort.Slice(qs, func(i, j int) bool { return qs[i].Venue < qs[j].Venue })
	}
	return out
}

// ByVenue groups quotes by venue, sorted by instrument.
func (s Snapshot) ByVenue() map[string][]Quote {
	out := make(map[string][]Quote)
	for _, q := range s.Quotes {
		out[q.Venue] = append(out[q.Venue], q)
	}
	for _, qs := range out {
		sort.Slice(qs, func(i, j int) bool { return qs[i].Instrument < qs[j].Instrument })
	}
	return out
}

// Threshold returns the staleness threshold configured for venue.
func (s Snapshot) Threshold(venue string) time.Duration {
	if d, ok := s.Thresholds[venue]; ok {
		return d
	}
	return s.DefaultThreshold
}

// Staleness is the age of q at the snapshot time.
func (s Snapshot) Staleness(q Quote) time.Duration {
	return s.At.Sub(q.ObservedAt)
}

// ExpiryOf is the instant after which q is no longer fresh enough to act on.
func (s Snapshot) ExpiryOf(q Quote) time.Time {
	return q.ObservedAt.Add(s.Threshold(q.Venue))
}

// EarliestExpiry returns the minimum ExpiryOf over quotes.
func (s Snapshot) EarliestExpiry(quotes ...Quote) time.Time {
	var out time.Time
	for i, q := range quotes {
		e := s.ExpiryOf(q)
		if i == 0 || e.Before(out) {
			out = e
		}
	}
	return out
}
