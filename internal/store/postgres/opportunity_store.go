package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore. Legs and meta are
// kept as JSONB since they are only ever read back whole.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const oppSelectCols = `id, kind, fingerprint, legs, expected_profit, profit_currency,
	meta, detected_at, expires_at, outcome, reason, resolved_at`

// Insert records a newly detected opportunity. Re-inserting an id is a no-op.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	legs, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs %s: %w", opp.ID, err)
	}
	var meta []byte
	if len(opp.Meta) > 0 {
		if meta, err = json.Marshal(opp.Meta); err != nil {
			return fmt.Errorf("postgres: marshal meta %s: %w", opp.ID, err)
		}
	}

	const query = `
		INSERT INTO opportunities (
			id, kind, fingerprint, legs, expected_profit, profit_currency,
			meta, detected_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.pool.Exec(ctx, query,
		opp.ID, string(opp.Kind), opp.Fingerprint, legs, opp.ExpectedProfit, opp.ProfitCurrency,
		meta, opp.DetectedAt, opp.Expiry,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// MarkOutcome stores the terminal outcome of an opportunity: an attempt
// state, or "rejected" when the risk gate declined it.
func (s *OpportunityStore) MarkOutcome(ctx context.Context, id, outcome string, reason domain.ReasonCode) error {
	const query = `
		UPDATE opportunities SET
			outcome     = $2,
			reason      = $3,
			resolved_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, outcome, string(reason))
	if err != nil {
		return fmt.Errorf("postgres: mark outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the newest opportunities first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.OpportunityRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+oppSelectCols+` FROM opportunities ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var out []domain.OpportunityRecord
	for rows.Next() {
		var (
			rec        domain.OpportunityRecord
			kind       string
			reason     string
			legs, meta []byte
			resolvedAt *time.Time
		)
		o := &rec.Opportunity
		if err := rows.Scan(
			&o.ID, &kind, &o.Fingerprint, &legs, &o.ExpectedProfit, &o.ProfitCurrency,
			&meta, &o.DetectedAt, &o.Expiry, &rec.Outcome, &reason, &resolvedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		o.Kind = domain.OpportunityKind(kind)
		rec.Reason = domain.ReasonCode(reason)
		rec.ResolvedAt = resolvedAt
		if err := json.Unmarshal(legs, &o.Legs); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal legs %s: %w", o.ID, err)
		}
		if meta != nil {
			if err := json.Unmarshal(meta, &o.Meta); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal meta %s: %w", o.ID, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	return out, nil
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
