package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/arbengine/internal/aggregator"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/ledger"
)

// QuoteCounters reports aggregator ingestion totals.
type QuoteCounters interface {
	Counters() aggregator.Counters
}

// VenueHealth reports per-venue feed and order health.
type VenueHealth interface {
	Stats() []aggregator.VenueStats
}

// Book is the read side of the position ledger.
type Book interface {
	Snapshot() ledger.Snapshot
	Exposures() []domain.Exposure
	Outstanding() int
}

// StatusHandler reports what the engine is doing right now.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	quotes    QuoteCounters
	health    VenueHealth
	book      Book
}

func NewStatusHandler(mode string, startedAt time.Time, quotes QuoteCounters, health VenueHealth, book Book) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, quotes: quotes, health: health, book: book}
}

type venueStatus struct {
	Venue      string  `json:"venue"`
	StaleRatio float64 `json:"stale_ratio"`
	ErrorRate  float64 `json:"error_rate"`
	Quotes     int64   `json:"quotes"`
	Orders     int64   `json:"orders"`
	Failures   int64   `json:"failures"`
}

type statusResponse struct {
	Mode          string        `json:"mode"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Quotes        int64         `json:"quotes"`
	Invalid       int64         `json:"invalid"`
	OutOfOrder    int64         `json:"out_of_order"`
	Outstanding   int           `json:"outstanding_reservations"`
	Exposures     int           `json:"exposures"`
	Venues        []venueStatus `json:"venues"`
}

// GetStatus returns ingestion counters, venue health and ledger activity.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	c := h.quotes.Counters()
	resp := statusResponse{
		Mode:          h.mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Quotes:        c.Submitted,
		Invalid:       c.Invalid,
		OutOfOrder:    c.OutOfOrder,
		Outstanding:   h.book.Outstanding(),
		Exposures:     len(h.book.Exposures()),
		Venues:        []venueStatus{},
	}
	for _, s := range h.health.Stats() {
		resp.Venues = append(resp.Venues, venueStatus{
			Venue:      s.Venue,
			StaleRatio: s.StaleRatio,
			ErrorRate:  s.ErrorRate,
			Quotes:     s.Quotes,
			Orders:     s.Orders,
			Failures:   s.Failures,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
