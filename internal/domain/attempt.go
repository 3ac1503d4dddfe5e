package domain

import (
	"fmt"
	"time"
)

// LegState is the lifecycle of a single submitted order.
type LegState string

const (
	LegPending         LegState = "pending"
	LegSubmitted       LegState = "submitted"
	LegFilled          LegState = "filled"
	LegPartiallyFilled LegState = "partially_filled"
	LegRejected        LegState = "rejected"
	LegTimedOut        LegState = "timed_out"
	LegSettled         LegState = "settled"
)

var legTransitions = map[LegState][]LegState{
	LegPending:         {LegSubmitted},
	LegSubmitted:       {LegFilled, LegPartiallyFilled, LegRejected, LegTimedOut},
	LegFilled:          {LegSettled},
	LegPartiallyFilled: {LegSettled},
	LegRejected:        {LegSettled},
	LegTimedOut:        {LegSettled},
}

// CanTransitionLeg reports whether from -> to is a legal leg transition.
func CanTransitionLeg(from, to LegState) bool {
	for _, s := range legTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AttemptState is the aggregate lifecycle of an execution attempt.
type AttemptState string

const (
	AttemptCreated   AttemptState = "created"
	AttemptExecuting AttemptState = "executing"
	AttemptCompleted AttemptState = "completed"
	AttemptUnwinding AttemptState = "unwinding"
	AttemptUnwound   AttemptState = "unwound"
	AttemptFailed    AttemptState = "failed"
)

var attemptTransitions = map[AttemptState][]AttemptState{
	AttemptCreated:   {AttemptExecuting, AttemptFailed},
	AttemptExecuting: {AttemptCompleted, AttemptUnwinding, AttemptFailed},
	AttemptUnwinding: {AttemptUnwound, AttemptFailed},
}

// CanTransitionAttempt reports whether from -> to is a legal attempt transition.
func CanTransitionAttempt(from, to AttemptState) bool {
	for _, s := range attemptTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s AttemptState) Terminal() bool {
	return s == AttemptCompleted || s == AttemptUnwound || s == AttemptFailed
}

// LegExecution tracks one order placed for an attempt, either a primary leg
// or an unwind.
type LegExecution struct {
	Index         int        `json:"index"`
	Leg           Leg        `json:"leg"`
	ClientOrderID string     `json:"client_order_id"`
	VenueOrderID  string     `json:"venue_order_id,omitempty"`
	State         LegState   `json:"state"`
	FilledQty     float64    `json:"filled_qty"`
	AvgPrice      float64    `json:"avg_price"`
	Fee           float64    `json:"fee"`
	Reason        ReasonCode `json:"reason,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at,omitempty"`
}

// Transition moves the leg to next or returns ErrInvalidTransition.
func (l *LegExecution) Transition(next LegState) error {
	if !CanTransitionLeg(l.State, next) {
		return fmt.Errorf("leg %s: %s -> %s: %w", l.ClientOrderID, l.State, next, ErrInvalidTransition)
	}
	l.State = next
	return nil
}

// SignedFill is the position delta actually produced by the leg.
func (l LegExecution) SignedFill() float64 { return l.Leg.Side.Sign() * l.FilledQty }

// Exposure is a residual position that could not be unwound and needs
// operator attention.
type Exposure struct {
	AttemptID  string     `json:"attempt_id"`
	Venue      string     `json:"venue"`
	Instrument string     `json:"instrument"`
	Quantity   float64    `json:"quantity"`
	Reason     ReasonCode `json:"reason"`
	RecordedAt time.Time  `json:"recorded_at"`
}

// ExecutionAttempt is the mutable execution record of one opportunity.
type ExecutionAttempt struct {
	ID             string          `json:"id"`
	OpportunityID  string          `json:"opportunity_id"`
	Kind           OpportunityKind `json:"kind"`
	State          AttemptState    `json:"state"`
	Legs           []LegExecution  `json:"legs"`
	Unwinds        []LegExecution  `json:"unwinds,omitempty"`
	Exposures      []Exposure      `json:"exposures,omitempty"`
	Reason         ReasonCode      `json:"reason,omitempty"`
	ExpectedProfit float64         `json:"expected_profit"`
	RealizedPnL    float64         `json:"realized_pnl"`
	ProfitCurrency string          `json:"profit_currency"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
}

// Transition moves the attempt to next or returns ErrInvalidTransition.
func (a *ExecutionAttempt) Transition(next AttemptState) error {
	if !CanTransitionAttempt(a.State, next) {
		return fmt.Errorf("attempt %s: %s -> %s: %w", a.ID, a.State, next, ErrInvalidTransition)
	}
	a.State = next
	return nil
}

// NetByInstrument sums signed fills of legs and unwinds per instrument.
func (a *ExecutionAttempt) NetByInstrument() map[string]float64 {
	out := make(map[string]float64)
	for _, l := range a.Legs {
		out[l.Leg.Instrument] += l.SignedFill()
	}
	for _, l := range a.Unwinds {
		out[l.Leg.Instrument] += l.SignedFill()
	}
	return out
}
