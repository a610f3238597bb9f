package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:      "sqlite",
	bind:      questionBind,
	isNoRows:  func(err error) bool { return errors.Is(err, sql.ErrNoRows) },
	deltaRead: "delta",
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Writers take the database lock at BEGIN so two saves on one deal queue
	// behind busy_timeout instead of failing on upgrade.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	var cols strings.Builder
	for _, c := range domain.Categories {
		fmt.Fprintf(&cols, "\t\t%s_score INTEGER CHECK (%s_score BETWEEN %d AND %d),\n", c, c, domain.MinCategoryScore, domain.MaxCategoryScore)
		fmt.Fprintf(&cols, "\t\t%s_summary TEXT,\n", c)
		fmt.Fprintf(&cols, "\t\t%s_tip TEXT,\n", c)
	}
	for _, f := range domain.SharedFields {
		fmt.Fprintf(&cols, "\t\t%s TEXT,\n", f)
	}

	query := `
	CREATE TABLE IF NOT EXISTS deals (
		organization_id TEXT NOT NULL,
		deal_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		account_name TEXT NOT NULL DEFAULT '',
		rep_id TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL DEFAULT 0,
` + cols.String() + `		forecast_stage TEXT,
		aggregate_score INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (organization_id, deal_id)
	);
	CREATE INDEX IF NOT EXISTS idx_deals_queue ON deals(organization_id, rep_id, aggregate_score);

	CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		deal_id TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		delta TEXT NOT NULL,
		aggregate_score INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		call_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_deal ON audit_events(organization_id, deal_id, created_at);

	CREATE TABLE IF NOT EXISTS score_labels (
		organization_id TEXT NOT NULL,
		category TEXT NOT NULL,
		score INTEGER NOT NULL,
		label TEXT NOT NULL,
		PRIMARY KEY (organization_id, category, score)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDeal retrieves a deal by organization and deal ID.
func (s *SQLiteStore) GetDeal(ctx context.Context, orgID, dealID string) (*domain.Deal, error) {
	row := newDealRow()
	err := s.db.QueryRowContext(ctx, selectDealSQL(sqliteDialect, ""), orgID, dealID).Scan(row.dest()...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan deal row: %w", err)
	}
	return row.deal(), nil
}

// UpsertDeal creates a deal or refreshes its display fields.
func (s *SQLiteStore) UpsertDeal(ctx context.Context, deal *domain.Deal) error {
	updatedAt := deal.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	var forecast interface{}
	if deal.ForecastStage != "" {
		forecast = deal.ForecastStage
	}

	_, err := s.db.ExecContext(ctx, upsertDealSQL(sqliteDialect),
		deal.OrganizationID, deal.DealID, deal.Name, deal.AccountName, deal.RepID,
		deal.Amount, forecast, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert deal: %w", err)
	}
	return nil
}

// ListReviewQueue returns deals ordered weakest first.
func (s *SQLiteStore) ListReviewQueue(ctx context.Context, orgID, repID string, limit int) ([]*domain.Deal, error) {
	args := []interface{}{orgID}
	if repID != "" {
		args = append(args, repID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, reviewQueueSQL(sqliteDialect, repID != ""), args...)
	if err != nil {
		return nil, fmt.Errorf("query review queue: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close review queue rows", "error", closeErr)
		}
	}()

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

// InDealTx runs fn in an immediate transaction scoped to one deal.
func (s *SQLiteStore) InDealTx(ctx context.Context, orgID, dealID string, fn func(ctx context.Context, tx DealTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back deal transaction", "deal_id", dealID, "error", rbErr)
		}
	}()

	dtx, err := lockDeal(ctx, sqliteDialect, sqlTxRunner{tx: tx}, orgID, dealID)
	if err != nil {
		return err
	}
	if err := fn(ctx, dtx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListAuditEvents returns the audit trail of a deal.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, orgID, dealID string) ([]*domain.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, auditEventsSQL(sqliteDialect), orgID, dealID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close audit event rows", "error", closeErr)
		}
	}()

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
func (s *SQLiteStore) ListScoreLabels(ctx context.Context, orgID string) ([]domain.ScoreLabel, error) {
	rows, err := s.db.QueryContext(ctx, scoreLabelsSQL(sqliteDialect), orgID)
	if err != nil {
		return nil, fmt.Errorf("query score labels: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close score label rows", "error", closeErr)
		}
	}()

	var labels []domain.ScoreLabel
	for rows.Next() {
		var l domain.ScoreLabel
		if err := rows.Scan(&l.OrganizationID, &l.Category, &l.Score, &l.Label); err != nil {
			return nil, fmt.Errorf("scan score label: %w", err)
		}
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score labels: %w", err)
	}
	return labels, nil
}

// UpsertScoreLabels creates or replaces label rows in one transaction.
func (s *SQLiteStore) UpsertScoreLabels(ctx context.Context, labels []domain.ScoreLabel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := upsertScoreLabelSQL(sqliteDialect)
	for _, l := range labels {
		if _, err := tx.ExecContext(ctx, query, l.OrganizationID, string(l.Category), l.Score, l.Label); err != nil {
			return fmt.Errorf("upsert score label: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit score labels: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type sqlTxRunner struct {
	tx *sql.Tx
}

func (r sqlTxRunner) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r sqlTxRunner) queryRow(ctx context.Context, query string, args ...any) rowScanner {
	return r.tx.QueryRowContext(ctx, query, args...)
}
