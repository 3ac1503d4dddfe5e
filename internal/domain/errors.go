package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrStaleData           = errors.New("stale data")
	ErrValidation          = errors.New("validation failure")
	ErrRiskRejected        = errors.New("risk rejected")
	ErrOrderRejected       = errors.New("order rejected")
	ErrOrderTimeout        = errors.New("order acknowledgment timed out")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
	ErrExposureLimit       = errors.New("exposure limit exceeded")
	ErrOpportunityExpired  = errors.New("opportunity expired")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrDuplicate           = errors.New("duplicate")
	ErrPassInFlight        = errors.New("detector pass already in flight")
	ErrLockHeld            = errors.New("lock already held")
	ErrRateLimited         = errors.New("rate limited")
)

// ReasonCode is attached to every rejected or failed opportunity so an
// operator can see why it did not turn into a completed attempt.
type ReasonCode string

const (
	ReasonNone                  ReasonCode = ""
	ReasonExpired               ReasonCode = "expired"
	ReasonExposureLimit         ReasonCode = "exposure_limit"
	ReasonPortfolioLimit        ReasonCode = "portfolio_limit"
	ReasonCorrelationLimit      ReasonCode = "correlation_limit"
	ReasonVenueUnhealthy        ReasonCode = "venue_unhealthy"
	ReasonLedgerInconsistency   ReasonCode = "ledger_inconsistency"
	ReasonOrderRejected         ReasonCode = "order_rejected"
	ReasonOrderTimeout          ReasonCode = "order_timeout"
	ReasonUnwindFailed          ReasonCode = "unwind_failed"
	ReasonStatisticalLegAborted ReasonCode = "statistical_leg_aborted"
	ReasonDuplicate             ReasonCode = "duplicate"
	ReasonNoVenue               ReasonCode = "no_venue"
	ReasonInvalid               ReasonCode = "invalid_opportunity"
)

// RiskRejection is returned by the risk gate when an opportunity is declined.
type RiskRejection struct {
	Reason ReasonCode
	Detail string
}

func (e *RiskRejection) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk rejected: %s", e.Reason)
	}
	return fmt.Sprintf("risk rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RiskRejection) Unwrap() error { return ErrRiskRejected }

// OrderRejection describes a venue refusing an order, or failing to
// acknowledge it in time.
type OrderRejection struct {
	ClientOrderID string
	Venue         string
	Reason        ReasonCode
	Message       string
}

func (e *OrderRejection) Error() string {
	return fmt.Sprintf("order %s on %s: %s: %s", e.ClientOrderID, e.Venue, e.Reason, e.Message)
}

func (e *OrderRejection) Unwrap() error {
	if e.Reason == ReasonOrderTimeout {
		return ErrOrderTimeout
	}
	return ErrOrderRejected
}

// ReasonOf extracts the reason code carried by err, if any.
func ReasonOf(err error) ReasonCode {
	var rr *RiskRejection
	if errors.As(err, &rr) {
		return rr.Reason
	}
	var or *OrderRejection
	if errors.As(err, &or) {
		return or.Reason
	}
	switch {
	case errors.Is(err, ErrOpportunityExpired):
		return ReasonExpired
	case errors.Is(err, ErrExposureLimit):
		return ReasonExposureLimit
	case errors.Is(err, ErrLedgerInconsistency):
		return ReasonLedgerInconsistency
	case errors.Is(err, ErrDuplicate):
		return ReasonDuplicate
	case errors.Is(err, ErrValidation):
		return ReasonInvalid
	}
	return ReasonNone
}
