package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the ledger's record for one (venue, instrument). Reserved is
// the signed net quantity provisionally committed to in-flight attempts;
// ReservedLong and ReservedShort are the gross buy and sell sides of it, both
// non-negative.
type Position struct {
	Venue         string          `json:"venue"`
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	Reserved      decimal.Decimal `json:"reserved"`
	ReservedLong  decimal.Decimal `json:"reserved_long"`
	ReservedShort decimal.Decimal `json:"reserved_short"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Key returns the position's (venue, instrument) key.
func (p Position) Key() QuoteKey { return QuoteKey{Venue: p.Venue, Instrument: p.Instrument} }

// Committed is settled quantity plus net reservations.
func (p Position) Committed() decimal.Decimal { return p.Quantity.Add(p.Reserved) }

// Bounds returns the position if every in-flight buy fills and none of the
// sells do (hi), and the reverse (lo).
func (p Position) Bounds() (hi, lo decimal.Decimal) {
	return p.Quantity.Add(p.ReservedLong), p.Quantity.Sub(p.ReservedShort)
}

// Breach reports whether adding buy more long and sell more short (both
// non-negative) could push the position past limit in either direction. It
// returns the offending bound. Orders that only move the position back
// toward zero never breach.
func (p Position) Breach(buy, sell, limit decimal.Decimal) (decimal.Decimal, bool) {
	hi, lo := p.Bounds()
	if buy.Sign() > 0 {
		if h := hi.Add(buy); h.GreaterThan(limit) {
			return h, true
		}
	}
	if sell.Sign() > 0 {
		if l := lo.Sub(sell); l.LessThan(limit.Neg()) {
			return l, true
		}
	}
	return decimal.Zero, false
}
