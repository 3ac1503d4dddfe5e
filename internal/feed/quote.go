// Package feed ingests normalized top-of-book quotes from venue WebSocket
// streams and from the Redis quote channel, and hands them to the
// aggregator.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// QuoteSink receives decoded quotes. The aggregator implements it.
type QuoteSink interface {
	SubmitQuote(q domain.Quote)
}

// wireQuote is the normalized JSON quote both feeds accept. A message is
// either one object or an array of them.
type wireQuote struct {
	Venue      string  `json:"venue"`
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	BidSize    float64 `json:"bid_size"`
	Ask        float64 `json:"ask"`
	AskSize    float64 `json:"ask_size"`
	// TS is RFC 3339 or unix milliseconds; missing means receive time.
	TS     json.RawMessage `json:"ts,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	Halted bool            `json:"halted,omitempty"`
}

// decoder turns raw messages into quotes. Venues that do not number their
// messages get a local sequence so the aggregator can still order them.
type decoder struct {
	venue string // forced venue; empty trusts the payload
	seq   atomic.Uint64
	now   func() time.Time
}

func (d *decoder) decode(data []byte) ([]domain.Quote, error) {
	data = bytes.TrimSpace(data)
	var batch []wireQuote
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
	} else {
		var w wireQuote
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode quote: %w", err)
		}
		batch = []wireQuote{w}
	}

	recv := d.now()
	out := make([]domain.Quote, 0, len(batch))
	for _, w := range batch {
		q := domain.Quote{
			Venue:      strings.TrimSpace(w.Venue),
			Instrument: strings.TrimSpace(w.Instrument),
			BidPrice:   w.Bid,
			BidSize:    w.BidSize,
			AskPrice:   w.Ask,
			AskSize:    w.AskSize,
			Sequence:   w.Seq,
			Halted:     w.Halted,
			ObservedAt: recv,
		}
		if d.venue != "" {
			q.Venue = d.venue
		}
		if q.Venue == "" || q.Instrument == "" {
			return out, fmt.Errorf("quote without venue or instrument: %w", domain.ErrValidation)
		}
		if ts, ok := parseTS(w.TS); ok {
			q.ObservedAt = ts
		}
		if q.Sequence == 0 {
			q.Sequence = d.seq.Add(1)
		}
		out = append(out, q)
	}
	return out, nil
}

func parseTS(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, err == nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
