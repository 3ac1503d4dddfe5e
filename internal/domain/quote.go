package domain

import (
	"fmt"
	"time"
)

// QuoteKey identifies the latest-quote slot for one instrument on one venue.
type QuoteKey struct {
	Venue      string
	Instrument string
}

func (k QuoteKey) String() string { return k.Venue + ":" + k.Instrument }

// Quote is a top-of-book observation from a venue. Quotes are immutable; a
// newer quote for the same key supersedes the old one.
type Quote struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	BidPrice   float64   `json:"bid_price"`
	BidSize    float64   `json:"bid_size"`
	AskPrice   float64   `json:"ask_price"`
	AskSize    float64   `json:"ask_size"`
	ObservedAt time.Time `json:"observed_at"`
	Sequence   uint64    `json:"sequence"`
	Halted     bool      `json:"halted,omitempty"`
}

// Key returns the (venue, instrument) key of the quote.
func (q Quote) Key() QuoteKey { return QuoteKey{Venue: q.Venue, Instrument: q.Instrument} }

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() float64 { return (q.BidPrice + q.AskPrice) / 2 }

// Validate reports whether the quote can be used for detection. Crossed and
// halted books are invalid.
func (q Quote) Validate() error {
	switch {
	case q.Venue == "" || q.Instrument == "":
		return fmt.Errorf("quote %s: missing venue or instrument: %w", q.Key(), ErrValidation)
	case q.Halted:
		return fmt.Errorf("quote %s: venue signalled halt: %w", q.Key(), ErrValidation)
	case q.BidPrice <= 0 || q.AskPrice <= 0:
		return fmt.Errorf("quote %s: non-positive price: %w", q.Key(), ErrValidation)
	case q.BidSize <= 0 || q.AskSize <= 0:
		return fmt.Errorf("quote %s: non-positive size: %w", q.Key(), ErrValidation)
	case q.BidPrice > q.AskPrice:
		return fmt.Errorf("quote %s: crossed book bid=%g ask=%g: %w", q.Key(), q.BidPrice, q.AskPrice, ErrValidation)
	}
	return nil
}

// Instrument describes a tradeable pair. Base is what is bought or sold,
// Quote is the currency it is priced in.
type Instrument struct {
	ID    string `json:"id"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}
