package handler

import (
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// PositionHandler serves ledger positions and recorded exposures.
type PositionHandler struct {
	book Book
}

func NewPositionHandler(book Book) *PositionHandler {
	return &PositionHandler{book: book}
}

type listPositionsResponse struct {
	AsOf      time.Time         `json:"as_of"`
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every ledger position, ordered by venue then
// instrument.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	snap := h.book.Snapshot()
	positions := make([]domain.Position, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Venue != positions[j].Venue {
			return positions[i].Venue < positions[j].Venue
		}
		return positions[i].Instrument < positions[j].Instrument
	})
	writeJSON(w, http.StatusOK, listPositionsResponse{AsOf: snap.AsOf, Positions: positions})
}

// ListExposures returns residual exposures left by failed unwinds.
// GET /api/exposures
func (h *PositionHandler) ListExposures(w http.ResponseWriter, r *http.Request) {
	exposures := h.book.Exposures()
	if exposures == nil {
		exposures = []domain.Exposure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exposures": exposures})
}
