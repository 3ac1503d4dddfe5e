package aggregator

import (
	"sort"
	"sync"
)

// VenueStats is a point-in-time view of one venue's feed and order health.
type VenueStats struct {
	Venue      string
	StaleRatio float64
	ErrorRate  float64
	StaleCount int64
	Quotes     int64
	Orders     int64
	Failures   int64
}

type venueHealth struct {
	staleEWMA float64
	errEWMA   float64
	stale     int64
	quotes    int64
	orders    int64
	failures  int64
}

// Health keeps exponentially weighted stale and error ratios per venue. The
// risk gate uses them to stop trading on venues with unreliable feeds or
// order paths.
type Health struct {
	mu     sync.Mutex
	decay  float64
	venues map[string]*venueHealth
}

// NewHealth creates a tracker. decay is the weight of each new observation.
func NewHealth(decay float64) *Health {
	if decay <= 0 || decay > 1 {
		decay = 0.05
	}
	return &Health{decay: decay, venues: make(map[string]*venueHealth)}
}

func (h *Health) venue(v string) *venueHealth {
	vh, ok := h.venues[v]
	if !ok {
		vh = &venueHealth{}
		h.venues[v] = vh
	}
	return vh
}

func ewma(prev, obs, decay float64) float64 {
	return prev*(1-decay) + obs*decay
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ObserveQuote records whether a quote seen during a snapshot was stale.
func (h *Health) ObserveQuote(venue string, stale bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vh := h.venue(venue)
	vh.quotes++
	if stale {
		vh.stale++
	}
	vh.staleEWMA = ewma(vh.staleEWMA, b2f(stale), h.decay)
}

// RecordOrderResult records whether an order on venue failed (rejected,
// timed out, or transport error).
func (h *Health) RecordOrderResult(venue string, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vh := h.venue(venue)
	vh.orders++
	if failed {
		vh.failures++
	}
	vh.errEWMA = ewma(vh.errEWMA, b2f(failed), h.decay)
}

// StaleRatio returns the recent fraction of stale observations for venue.
func (h *Health) StaleRatio(venue string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if vh, ok := h.venues[venue]; ok {
		return vh.staleEWMA
	}
	return 0
}

// ErrorRate returns the recent fraction of failed orders for venue.
func (h *Health) ErrorRate(venue string) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if vh, ok := h.venues[venue]; ok {
		return vh.errEWMA
	}
	return 0
}

// Stats returns stats for every venue seen so far, sorted by venue.
func (h *Health) Stats() []VenueStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]VenueStats, 0, len(h.venues))
	for v, vh := range h.venues {
		out = append(out, VenueStats{
			Venue:      v,
			StaleRatio: vh.staleEWMA,
			ErrorRate:  vh.errEWMA,
			StaleCount: vh.stale,
			Quotes:     vh.quotes,
			Orders:     vh.orders,
			Failures:   vh.failures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}
