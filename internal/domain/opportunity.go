package domain

import (
	"sort"
	"strings"
	"time"
)

// OpportunityKind selects the execution policy applied to an opportunity.
type OpportunityKind string

const (
	KindSpread      OpportunityKind = "spread"
	KindTriangular  OpportunityKind = "triangular"
	KindStatistical OpportunityKind = "statistical"
)

// Atomic reports whether legs of this kind must be fired together and
// unwound on partial failure.
func (k OpportunityKind) Atomic() bool {
	return k == KindSpread || k == KindTriangular
}

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the offsetting side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

// Leg is one single-venue order of an opportunity.
type Leg struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	Side       OrderSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	LimitPrice float64   `json:"limit_price"`
}

// SignedQuantity is the position delta the leg produces when fully filled.
func (l Leg) SignedQuantity() float64 { return l.Side.Sign() * l.Quantity }

// Notional is quantity times limit price.
func (l Leg) Notional() float64 { return l.Quantity * l.LimitPrice }

// Opportunity is a detected, not-yet-executed candidate trade. It is a value
// object: nothing mutates it after detection. Outcomes are recorded against
// its ID.
type Opportunity struct {
	ID             string          `json:"id"`
	Kind           OpportunityKind `json:"kind"`
	Legs           []Leg           `json:"legs"`
	ExpectedProfit float64         `json:"expected_profit"`
	ProfitCurrency string          `json:"profit_currency"`
	DetectedAt     time.Time       `json:"detected_at"`
	Expiry         time.Time       `json:"expiry"`
	// Fingerprint identifies the trade structure independent of detection
	// time and is used for de-duplication.
	Fingerprint string             `json:"fingerprint"`
	Meta        map[string]float64 `json:"meta,omitempty"`
}

// Expired reports whether now is past the opportunity's expiry.
func (o Opportunity) Expired(now time.Time) bool {
	return now.After(o.Expiry)
}

// Remaining returns the validity left at now, never negative.
func (o Opportunity) Remaining(now time.Time) time.Duration {
	if d := o.Expiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Notional sums leg notionals.
func (o Opportunity) Notional() float64 {
	var n float64
	for _, l := range o.Legs {
		n += l.Notional()
	}
	return n
}

// Venues returns the distinct venues touched by the legs, sorted.
func (o Opportunity) Venues() []string {
	seen := make(map[string]struct{}, len(o.Legs))
	var out []string
	for _, l := range o.Legs {
		if _, ok := seen[l.Venue]; ok {
			continue
		}
		seen[l.Venue] = struct{}{}
		out = append(out, l.Venue)
	}
	sort.Strings(out)
	return out
}

// Validate rejects malformed opportunities before they reach risk.
func (o Opportunity) Validate() error {
	if o.ID == "" || len(o.Legs) == 0 {
		return ErrValidation
	}
	for _, l := range o.Legs {
		if l.Venue == "" || l.Instrument == "" || l.Quantity <= 0 || l.LimitPrice <= 0 {
			return ErrValidation
		}
		if l.Side != OrderSideBuy && l.Side != OrderSideSell {
			return ErrValidation
		}
	}
	if o.Expiry.IsZero() {
		return ErrValidation
	}
	return nil
}

// Fingerprint builds a detection-time-independent identity from the kind and
// the leg structure.
func Fingerprint(kind OpportunityKind, legs []Leg) string {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, l := range legs {
		b.WriteByte('|')
		b.WriteString(l.Venue)
		b.WriteByte(':')
		b.WriteString(l.Instrument)
		b.WriteByte(':')
		b.WriteString(string(l.Side))
	}
	return b.String()
}
