package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const (
	roleLeg    = "leg"
	roleUnwind = "unwind"
)

// AttemptStore implements domain.AttemptStore. Each attempt is one row in
// execution_attempts plus one attempt_legs row per primary or unwind order.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

const attemptSelectCols = `id, opportunity_id, kind, state, reason, expected_profit,
	realized_pnl, profit_currency, exposures, created_at, completed_at`

// Save writes the attempt and all its legs in one transaction. Saving the
// same attempt again replaces the earlier copy.
func (s *AttemptStore) Save(ctx context.Context, a domain.ExecutionAttempt) error {
	var exposures []byte
	if len(a.Exposures) > 0 {
		var err error
		if exposures, err = json.Marshal(a.Exposures); err != nil {
			return fmt.Errorf("postgres: marshal exposures %s: %w", a.ID, err)
		}
	}
	var completedAt *time.Time
	if !a.CompletedAt.IsZero() {
		completedAt = &a.CompletedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO execution_attempts (`+attemptSelectCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state        = EXCLUDED.state,
			reason       = EXCLUDED.reason,
			realized_pnl = EXCLUDED.realized_pnl,
			exposures    = EXCLUDED.exposures,
			completed_at = EXCLUDED.completed_at`,
		a.ID, a.OpportunityID, string(a.Kind), string(a.State), string(a.Reason), a.ExpectedProfit,
		a.RealizedPnL, a.ProfitCurrency, exposures, a.CreatedAt, completedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert attempt %s: %w", a.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM attempt_legs WHERE attempt_id = $1`, a.ID); err != nil {
		return fmt.Errorf("postgres: clear legs %s: %w", a.ID, err)
	}

	batch := &pgx.Batch{}
	queue := func(role string, l domain.LegExecution) {
		var submitted *time.Time
		if !l.SubmittedAt.IsZero() {
			submitted = &l.SubmittedAt
		}
		batch.Queue(`
			INSERT INTO attempt_legs (
				attempt_id, role, leg_index, venue, instrument, side, quantity, limit_price,
				client_order_id, venue_order_id, state, filled_qty, avg_price, fee, reason, submitted_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			a.ID, role, l.Index, l.Leg.Venue, l.Leg.Instrument, string(l.Leg.Side), l.Leg.Quantity, l.Leg.LimitPrice,
			l.ClientOrderID, l.VenueOrderID, string(l.State), l.FilledQty, l.AvgPrice, l.Fee, string(l.Reason), submitted,
		)
	}
	for _, l := range a.Legs {
		queue(roleLeg, l)
	}
	for _, l := range a.Unwinds {
		queue(roleUnwind, l)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert legs %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit attempt %s: %w", a.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound for unknown ids.
func (s *AttemptStore) GetByID(ctx context.Context, id string) (domain.ExecutionAttempt, error) {
	list, err := s.query(ctx, `SELECT `+attemptSelectCols+` FROM execution_attempts WHERE id = $1`, id)
	if err != nil {
		return domain.ExecutionAttempt{}, fmt.Errorf("postgres: get attempt %s: %w", id, err)
	}
	if len(list) == 0 {
		return domain.ExecutionAttempt{}, domain.ErrNotFound
	}
	return list[0], nil
}

// ListRecent returns the newest attempts first, legs included.
func (s *AttemptStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	list, err := s.query(ctx,
		`SELECT `+attemptSelectCols+` FROM execution_attempts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attempts: %w", err)
	}
	return list, nil
}

// ListBefore returns terminal attempts completed before the cutoff, oldest
// first.
func (s *AttemptStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionAttempt, error) {
	list, err := s.query(ctx, `
		SELECT `+attemptSelectCols+` FROM execution_attempts
		WHERE completed_at IS NOT NULL AND completed_at < $1
		ORDER BY completed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list attempts before %s: %w", before.Format(time.RFC3339), err)
	}
	return list, nil
}

// SumRealizedPnL adds up realized PnL of attempts created since the cutoff.
// Attempts with different profit currencies are summed as is.
func (s *AttemptStore) SumRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM execution_attempts WHERE created_at >= $1`, since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl: %w", err)
	}
	return sum, nil
}

func (s *AttemptStore) query(ctx context.Context, sql string, args ...any) ([]domain.ExecutionAttempt, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		list  []domain.ExecutionAttempt
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			a                   domain.ExecutionAttempt
			kind, state, reason string
			exposures           []byte
			completedAt         *time.Time
		)
		if err := rows.Scan(&a.ID, &a.OpportunityID, &kind, &state, &reason, &a.ExpectedProfit,
			&a.RealizedPnL, &a.ProfitCurrency, &exposures, &a.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Kind = domain.OpportunityKind(kind)
		a.State = domain.AttemptState(state)
		a.Reason = domain.ReasonCode(reason)
		if completedAt != nil {
			a.CompletedAt = *completedAt
		}
		if exposures != nil {
			if err := json.Unmarshal(exposures, &a.Exposures); err != nil {
				return nil, fmt.Errorf("unmarshal exposures %s: %w", a.ID, err)
			}
		}
		index[a.ID] = len(list)
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	if err := s.loadLegs(ctx, list, index); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *AttemptStore) loadLegs(ctx context.Context, list []domain.ExecutionAttempt, index map[string]int) error {
	ids := make([]string, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, role, leg_index, venue, instrument, side, quantity, limit_price,
			client_order_id, venue_order_id, state, filled_qty, avg_price, fee, reason, submitted_at
		FROM attempt_legs WHERE attempt_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("query legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			attemptID, role, side, state, reason string
			submitted                            *time.Time
			l                                    domain.LegExecution
		)
		if err := rows.Scan(&attemptID, &role, &l.Index, &l.Leg.Venue, &l.Leg.Instrument, &side,
			&l.Leg.Quantity, &l.Leg.LimitPrice, &l.ClientOrderID, &l.VenueOrderID, &state,
			&l.FilledQty, &l.AvgPrice, &l.Fee, &reason, &submitted); err != nil {
			return fmt.Errorf("scan leg: %w", err)
		}
		l.Leg.Side = domain.OrderSide(side)
		l.State = domain.LegState(state)
		l.Reason = domain.ReasonCode(reason)
		if submitted != nil {
			l.SubmittedAt = *submitted
		}
		i, ok := index[attemptID]
		if !ok {
			return errors.New("leg for unknown attempt " + attemptID)
		}
		if role == roleUnwind {
			list[i].Unwinds = append(list[i].Unwinds, l)
		} else {
			list[i].Legs = append(list[i].Legs, l)
		}
	}
	return rows.Err()
}

var _ domain.AttemptStore = (*AttemptStore)(nil)
