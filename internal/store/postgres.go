package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresDialect = dialect{
	name:      "postgres",
	bind:      dollarBind,
	lockRow:   " FOR UPDATE",
	isNoRows:  func(err error) bool { return errors.Is(err, pgx.ErrNoRows) },
	deltaType: "::jsonb",
	deltaRead: "delta::text",
}

// PostgresStore implements Repository using a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to Postgres and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (Repository, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	var cols strings.Builder
	for _, c := range domain.Categories {
		fmt.Fprintf(&cols, "\t\t%s_score SMALLINT CHECK (%s_score BETWEEN %d AND %d),\n", c, c, domain.MinCategoryScore, domain.MaxCategoryScore)
		fmt.Fprintf(&cols, "\t\t%s_summary TEXT,\n", c)
		fmt.Fprintf(&cols, "\t\t%s_tip TEXT,\n", c)
	}
	for _, f := range domain.SharedFields {
		fmt.Fprintf(&cols, "\t\t%s TEXT,\n", f)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS deals (
		organization_id TEXT NOT NULL,
		deal_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		rep_id TEXT NOT NULL DEFAULT '',
		amount DOUBLE PRECISION NOT NULL DEFAULT 0,
` + cols.String() + `		forecast_stage TEXT,
		aggregate_score INTEGER NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (organization_id, deal_id)
	)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_queue ON deals(organization_id, rep_id, aggregate_score)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		deal_id TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		delta JSONB NOT NULL,
		aggregate_score INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		call_id TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_deal ON audit_events(organization_id, deal_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS score_labels (
		organization_id TEXT NOT NULL,
		category TEXT NOT NULL,
		score INTEGER NOT NULL,
		label TEXT NOT NULL,
		PRIMARY KEY (organization_id, category, score)
	)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetDeal retrieves a deal by organization and deal ID.
func (s *PostgresStore) GetDeal(ctx context.Context, orgID, dealID string) (*domain.Deal, error) {
	row := newDealRow()
	err := s.pool.QueryRow(ctx, selectDealSQL(postgresDialect, ""), orgID, dealID).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan deal row: %w", err)
	}
	return row.deal(), nil
}

// UpsertDeal creates a deal or refreshes its display fields.
func (s *PostgresStore) UpsertDeal(ctx context.Context, deal *domain.Deal) error {
	updatedAt := deal.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	var forecast *string
	if deal.ForecastStage != "" {
		forecast = &deal.ForecastStage
	}

	_, err := s.pool.Exec(ctx, upsertDealSQL(postgresDialect),
		deal.OrganizationID, deal.DealID, deal.Name, deal.AccountName, deal.RepID,
		deal.Amount, forecast, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert deal: %w", err)
	}
	return nil
}

// ListReviewQueue returns deals ordered weakest first.
func (s *PostgresStore) ListReviewQueue(ctx context.Context, orgID, repID string, limit int) ([]*domain.Deal, error) {
	args := []any{orgID}
	if repID != "" {
		args = append(args, repID)
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, reviewQueueSQL(postgresDialect, repID != ""), args...)
	if err != nil {
		return nil, fmt.Errorf("query review queue: %w", err)
	}
	defer rows.Close()

	var deals []*domain.Deal
	for rows.Next() {
		row := newDealRow()
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan review queue row: %w", err)
		}
		deals = append(deals, row.deal())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review queue: %w", err)
	}
	return deals, nil
}

// InDealTx runs fn in a transaction holding the deal row FOR UPDATE.
func (s *PostgresStore) InDealTx(ctx context.Context, orgID, dealID string, fn func(ctx context.Context, tx DealTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("failed to roll back deal transaction", "deal_id", dealID, "error", rbErr)
		}
	}()

	dtx, err := lockDeal(ctx, postgresDialect, pgxTxRunner{tx: tx}, orgID, dealID)
	if err != nil {
		return err
	}
	if err := fn(ctx, dtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListAuditEvents returns the audit trail of a deal.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID, dealID string) ([]*domain.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, auditEventsSQL(postgresDialect), orgID, dealID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var row auditRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, row.result())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// ListScoreLabels returns organization labels plus the default set.
func (s *PostgresStore) ListScoreLabels(ctx context.Context, orgID string) ([]domain.ScoreLabel, error) {
	rows, err := s.pool.Query(ctx, scoreLabelsSQL(postgresDialect), orgID)
	if err != nil {
		return nil, fmt.Errorf("query score labels: %w", err)
	}
	defer rows.Close()

	var labels []domain.ScoreLabel
	for rows.Next() {
		var l domain.ScoreLabel
		var category string
		if err := rows.Scan(&l.OrganizationID, &category, &l.Score, &l.Label); err != nil {
			return nil, fmt.Errorf("scan score label: %w", err)
		}
		l.Category = domain.Category(category)
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score labels: %w", err)
	}
	return labels, nil
}

// UpsertScoreLabels creates or replaces label rows as one batch.
func (s *PostgresStore) UpsertScoreLabels(ctx context.Context, labels []domain.ScoreLabel) error {
	query := upsertScoreLabelSQL(postgresDialect)
	batch := &pgx.Batch{}
	for _, l := range labels {
		batch.Queue(query, l.OrganizationID, string(l.Category), l.Score, l.Label)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert score labels: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgxTxRunner struct {
	tx pgx.Tx
}

func (r pgxTxRunner) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := r.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r pgxTxRunner) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return r.tx.QueryRow(ctx, query, args...)
}
