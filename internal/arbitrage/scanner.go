// Package arbitrage detects cross-venue spread, triangular and statistical
// pair opportunities from aggregator snapshots.
package arbitrage

import (
	"context"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Scanner runs one detection algorithm over a snapshot.
type Scanner interface {
	Name() string
	// Scan returns zero or more opportunities for the given snapshot.
	Scan(ctx context.Context, snap domain.Snapshot) ([]domain.Opportunity, error)
}

// FeeSchedule maps venue id to its taker fee as a fraction.
type FeeSchedule map[string]float64

// Rate returns the fee fraction for venue, zero when unknown.
func (f FeeSchedule) Rate(venue string) float64 { return f[venue] }

func newID() string { return uuid.Must(uuid.NewRandom()).String() }
