package domain

import (
	"context"
	"time"
)

// OpportunityRecord is a persisted opportunity plus its terminal outcome.
type OpportunityRecord struct {
	Opportunity Opportunity
	Outcome     string
	Reason      ReasonCode
	ResolvedAt  *time.Time
}

// OpportunityStore persists detected opportunities and their outcomes.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkOutcome(ctx context.Context, id string, outcome string, reason ReasonCode) error
	ListRecent(ctx context.Context, limit int) ([]OpportunityRecord, error)
}

// AttemptStore persists terminal execution attempts.
type AttemptStore interface {
	Save(ctx context.Context, attempt ExecutionAttempt) error
	GetByID(ctx context.Context, id string) (ExecutionAttempt, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionAttempt, error)
	ListBefore(ctx context.Context, before time.Time) ([]ExecutionAttempt, error)
	SumRealizedPnL(ctx context.Context, since time.Time) (float64, error)
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore records notable engine decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit, offset int) ([]AuditEntry, error)
}
