// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// Repository defines the interface for persisting deals, audit events and
// score labels.
type Repository interface {
	// GetDeal retrieves a deal. It returns nil, nil when the deal does not exist.
	GetDeal(ctx context.Context, orgID, dealID string) (*domain.Deal, error)

	// UpsertDeal creates a deal or refreshes its display fields. Category data
	// is never written here.
	UpsertDeal(ctx context.Context, deal *domain.Deal) error

	// ListReviewQueue returns the deals a rep should review, weakest first.
	// An empty repID selects every deal of the organization.
	ListReviewQueue(ctx context.Context, orgID, repID string, limit int) ([]*domain.Deal, error)

	// InDealTx runs fn inside one transaction holding the deal row for update.
	// The transaction commits only if fn returns nil.
	InDealTx(ctx context.Context, orgID, dealID string, fn func(ctx context.Context, tx DealTx) error) error

	// ListAuditEvents returns the audit trail of a deal, oldest first.
	ListAuditEvents(ctx context.Context, orgID, dealID string) ([]*domain.AuditEvent, error)

	// ListScoreLabels returns the label rows of an organization plus the defaults.
	ListScoreLabels(ctx context.Context, orgID string) ([]domain.ScoreLabel, error)

	// UpsertScoreLabels creates or replaces label rows.
	UpsertScoreLabels(ctx context.Context, labels []domain.ScoreLabel) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// DealTx is the write surface available inside InDealTx.
type DealTx interface {
	// Deal returns the row as read when the lock was taken.
	Deal() *domain.Deal

	// ApplyChanges writes allow-listed columns and bumps updated_at.
	ApplyChanges(ctx context.Context, changes []domain.FieldChange, updatedAt time.Time) error

	// ReadScores re-reads every category score column. Null columns are omitted.
	ReadScores(ctx context.Context) (map[domain.Category]int, error)

	// SetAggregate persists the recomputed aggregate score.
	SetAggregate(ctx context.Context, aggregate int) error

	// InsertAuditEvent appends one audit row.
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error
}
