package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// QuoteMirror implements domain.QuoteMirror. Each quote lives in a hash at
// "<prefix>:quote:<venue>:<instrument>", so dashboards and other processes
// can read the engine's view of the market without touching its memory.
type QuoteMirror struct {
	c   *Client
	ttl time.Duration
}

// NewQuoteMirror creates a mirror whose keys expire after ttl without a
// refresh. ttl <= 0 keeps keys forever.
func NewQuoteMirror(c *Client, ttl time.Duration) *QuoteMirror {
	return &QuoteMirror{c: c, ttl: ttl}
}

func (m *QuoteMirror) quoteKey(venue, instrument string) string {
	return m.c.key("quote", venue, instrument)
}

// PutSnapshot writes every quote in snap in one pipeline.
func (m *QuoteMirror) PutSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if len(snap.Quotes) == 0 {
		return nil
	}
	_, err := m.c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, q := range snap.Quotes {
			k := m.quoteKey(q.Venue, q.Instrument)
			p.HSet(ctx, k, quoteFields(q))
			if m.ttl > 0 {
				p.Expire(ctx, k, m.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put snapshot: %w", err)
	}
	return nil
}

// GetQuote returns domain.ErrNotFound when nothing is mirrored for the key.
func (m *QuoteMirror) GetQuote(ctx context.Context, venue, instrument string) (domain.Quote, error) {
	vals, err := m.c.rdb.HGetAll(ctx, m.quoteKey(venue, instrument)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s:%s: %w", venue, instrument, err)
	}
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}
	q, err := parseQuote(vals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s:%s: %w", venue, instrument, err)
	}
	return q, nil
}

func quoteFields(q domain.Quote) map[string]any {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return map[string]any{
		"venue":    q.Venue,
		"instr":    q.Instrument,
		"bid":      f(q.BidPrice),
		"bid_size": f(q.BidSize),
		"ask":      f(q.AskPrice),
		"ask_size": f(q.AskSize),
		"ts":       strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
		"seq":      strconv.FormatUint(q.Sequence, 10),
	}
}

func parseQuote(vals map[string]string) (domain.Quote, error) {
	q := domain.Quote{Venue: vals["venue"], Instrument: vals["instr"]}
	floats := []struct {
		field string
		dst   *float64
	}{
		{"bid", &q.BidPrice}, {"bid_size", &q.BidSize},
		{"ask", &q.AskPrice}, {"ask_size", &q.AskSize},
	}
	for _, fl := range floats {
		v, err := strconv.ParseFloat(vals[fl.field], 64)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("parse %s: %w", fl.field, err)
		}
		*fl.dst = v
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse ts: %w", err)
	}
	q.ObservedAt = time.Unix(0, ts)
	if q.Sequence, err = strconv.ParseUint(vals["seq"], 10, 64); err != nil {
		return domain.Quote{}, fmt.Errorf("parse seq: %w", err)
	}
	return q, nil
}

var _ domain.QuoteMirror = (*QuoteMirror)(nil)
