package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// dialect captures the few syntax differences between the SQL backends.
type dialect struct {
	name      string
	bind      func(n int) string
	lockRow   string
	isNoRows  func(error) bool
	deltaType string
	deltaRead string
}

func questionBind(int) string { return "?" }

func dollarBind(n int) string { return "$" + strconv.Itoa(n) }

// rowScanner is satisfied by *sql.Row and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

// runner abstracts a transaction of either backend.
type runner interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) rowScanner
}

// dealColumns returns every deals column in scan order.
func dealColumns() []string {
	cols := []string{"organization_id", "deal_id", "name", "account_name", "rep_id", "amount"}
	for _, c := range domain.Categories {
		cols = append(cols,
			domain.FieldKey{Category: c, Kind: domain.FieldScore}.Column(),
			domain.FieldKey{Category: c, Kind: domain.FieldSummary}.Column(),
			domain.FieldKey{Category: c, Kind: domain.FieldTip}.Column(),
		)
	}
	cols = append(cols, domain.SharedFields...)
	return append(cols, "forecast_stage", "aggregate_score", "updated_at")
}

func scoreColumns() []string {
	cols := make([]string, 0, len(domain.Categories))
	for _, c := range domain.Categories {
		cols = append(cols, domain.FieldKey{Category: c, Kind: domain.FieldScore}.Column())
	}
	return cols
}

// dealRow holds scan targets for one deals row.
type dealRow struct {
	orgID, dealID, name, account, repID string
	amount                              float64
	scores                              []sql.NullInt64
	summaries                           []sql.NullString
	tips                                []sql.NullString
	shared                              []sql.NullString
	forecast                            sql.NullString
	aggregate                           int64
	updatedAt                           int64
}

func newDealRow() *dealRow {
	n := len(domain.Categories)
	return &dealRow{
		scores:    make([]sql.NullInt64, n),
		summaries: make([]sql.NullString, n),
		tips:      make([]sql.NullString, n),
		shared:    make([]sql.NullString, len(domain.SharedFields)),
	}
}

func (r *dealRow) dest() []any {
	dest := []any{&r.orgID, &r.dealID, &r.name, &r.account, &r.repID, &r.amount}
	for i := range domain.Categories {
		dest = append(dest, &r.scores[i], &r.summaries[i], &r.tips[i])
	}
	for i := range domain.SharedFields {
		dest = append(dest, &r.shared[i])
	}
	return append(dest, &r.forecast, &r.aggregate, &r.updatedAt)
}

func (r *dealRow) deal() *domain.Deal {
	d := &domain.Deal{
		OrganizationID: r.orgID,
		DealID:         r.dealID,
		Name:           r.name,
		AccountName:    r.account,
		RepID:          r.repID,
		Amount:         r.amount,
		Categories:     make(map[domain.Category]domain.CategoryState, len(domain.Categories)),
		ForecastStage:  r.forecast.String,
		AggregateScore: int(r.aggregate),
		UpdatedAt:      time.UnixMilli(r.updatedAt),
	}
	for i, c := range domain.Categories {
		var st domain.CategoryState
		if r.scores[i].Valid {
			v := int(r.scores[i].Int64)
			st.Score = &v
		}
		if r.summaries[i].Valid {
			v := r.summaries[i].String
			st.Summary = &v
		}
		if r.tips[i].Valid {
			v := r.tips[i].String
			st.Tip = &v
		}
		d.Categories[c] = st
	}
	for i, f := range domain.SharedFields {
		d.SetSharedValue(f, r.shared[i].String)
	}
	return d
}

func selectDealSQL(d dialect, suffix string) string {
	return fmt.Sprintf("SELECT %s FROM deals WHERE organization_id = %s AND deal_id = %s%s",
		strings.Join(dealColumns(), ", "), d.bind(1), d.bind(2), suffix)
}

func upsertDealSQL(d dialect) string {
	return fmt.Sprintf(`
		INSERT INTO deals (organization_id, deal_id, name, account_name, rep_id, amount, forecast_stage, aggregate_score, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, 0, %s)
		ON CONFLICT (organization_id, deal_id) DO UPDATE SET
			name = excluded.name,
			account_name = excluded.account_name,
			rep_id = excluded.rep_id,
			amount = excluded.amount,
			forecast_stage = excluded.forecast_stage,
			updated_at = excluded.updated_at`,
		d.bind(1), d.bind(2), d.bind(3), d.bind(4), d.bind(5), d.bind(6), d.bind(7), d.bind(8))
}

func reviewQueueSQL(d dialect, byRep bool) string {
	query := fmt.Sprintf("SELECT %s FROM deals WHERE organization_id = %s", strings.Join(dealColumns(), ", "), d.bind(1))
	next := 2
	if byRep {
		query += fmt.Sprintf(" AND rep_id = %s", d.bind(next))
		next++
	}
	return query + fmt.Sprintf(" ORDER BY aggregate_score ASC, deal_id ASC LIMIT %s", d.bind(next))
}

func auditEventsSQL(d dialect) string {
	return fmt.Sprintf(`
		SELECT event_id, organization_id, deal_id, actor_type, event_type, %s,
		       aggregate_score, run_id, call_id, created_at
		FROM audit_events WHERE organization_id = %s AND deal_id = %s
		ORDER BY created_at ASC, event_id ASC`, d.deltaRead, d.bind(1), d.bind(2))
}

func scoreLabelsSQL(d dialect) string {
	return fmt.Sprintf(`
		SELECT organization_id, category, score, label FROM score_labels
		WHERE organization_id = %s OR organization_id = ''
		ORDER BY organization_id, category, score`, d.bind(1))
}

func upsertScoreLabelSQL(d dialect) string {
	return fmt.Sprintf(`
		INSERT INTO score_labels (organization_id, category, score, label)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (organization_id, category, score) DO UPDATE SET label = excluded.label`,
		d.bind(1), d.bind(2), d.bind(3), d.bind(4))
}

// dealTx implements DealTx on top of a runner.
type dealTx struct {
	d      dialect
	run    runner
	orgID  string
	dealID string
	deal   *domain.Deal
}

func lockDeal(ctx context.Context, d dialect, run runner, orgID, dealID string) (*dealTx, error) {
	row := newDealRow()
	if err := run.queryRow(ctx, selectDealSQL(d, d.lockRow), orgID, dealID).Scan(row.dest()...); err != nil {
		if d.isNoRows(err) {
			return nil, fmt.Errorf("lock deal %s/%s: %w", orgID, dealID, domain.ErrDealNotFound)
		}
		return nil, fmt.Errorf("lock deal: %w", err)
	}
	return &dealTx{d: d, run: run, orgID: orgID, dealID: dealID, deal: row.deal()}, nil
}

func (t *dealTx) Deal() *domain.Deal {
	return t.deal
}

func (t *dealTx) ApplyChanges(ctx context.Context, changes []domain.FieldChange, updatedAt time.Time) error {
	sets := make([]string, 0, len(changes)+1)
	args := make([]any, 0, len(changes)+3)
	for _, ch := range changes {
		if !domain.IsWritableColumn(ch.Column) {
			return fmt.Errorf("column %q is not writable", ch.Column)
		}
		args = append(args, ch.Value)
		sets = append(sets, fmt.Sprintf("%s = %s", ch.Column, t.d.bind(len(args))))
	}
	args = append(args, updatedAt.UnixMilli())
	sets = append(sets, fmt.Sprintf("updated_at = %s", t.d.bind(len(args))))
	args = append(args, t.orgID, t.dealID)

	query := fmt.Sprintf("UPDATE deals SET %s WHERE organization_id = %s AND deal_id = %s",
		strings.Join(sets, ", "), t.d.bind(len(args)-1), t.d.bind(len(args)))
	affected, err := t.run.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update deal: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update deal %s/%s: %w", t.orgID, t.dealID, domain.ErrDealNotFound)
	}
	return nil
}

func (t *dealTx) ReadScores(ctx context.Context) (map[domain.Category]int, error) {
	cols := scoreColumns()
	query := fmt.Sprintf("SELECT %s FROM deals WHERE organization_id = %s AND deal_id = %s",
		strings.Join(cols, ", "), t.d.bind(1), t.d.bind(2))

	values := make([]sql.NullInt64, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := t.run.queryRow(ctx, query, t.orgID, t.dealID).Scan(dest...); err != nil {
		return nil, fmt.Errorf("read scores: %w", err)
	}

	scores := make(map[domain.Category]int, len(cols))
	for i, c := range domain.Categories {
		if values[i].Valid {
			scores[c] = int(values[i].Int64)
		}
	}
	return scores, nil
}

func (t *dealTx) SetAggregate(ctx context.Context, aggregate int) error {
	query := fmt.Sprintf("UPDATE deals SET aggregate_score = %s WHERE organization_id = %s AND deal_id = %s",
		t.d.bind(1), t.d.bind(2), t.d.bind(3))
	if _, err := t.run.exec(ctx, query, aggregate, t.orgID, t.dealID); err != nil {
		return fmt.Errorf("set aggregate: %w", err)
	}
	return nil
}

func (t *dealTx) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	delta := event.Delta
	if len(delta) == 0 {
		delta = json.RawMessage("{}")
	}
	query := fmt.Sprintf(`
		INSERT INTO audit_events (event_id, organization_id, deal_id, actor_type, event_type,
			delta, aggregate_score, run_id, call_id, created_at)
		VALUES (%s, %s, %s, %s, %s, %s%s, %s, %s, %s, %s)`,
		t.d.bind(1), t.d.bind(2), t.d.bind(3), t.d.bind(4), t.d.bind(5),
		t.d.bind(6), t.d.deltaType, t.d.bind(7), t.d.bind(8), t.d.bind(9), t.d.bind(10))
	_, err := t.run.exec(ctx, query,
		event.EventID, event.OrganizationID, event.DealID, event.ActorType, event.EventType,
		string(delta), event.AggregateScore, event.RunID, event.CallID, event.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// auditRow holds scan targets for one audit_events row.
type auditRow struct {
	event     domain.AuditEvent
	delta     string
	createdAt int64
}

func (r *auditRow) dest() []any {
	return []any{
		&r.event.EventID, &r.event.OrganizationID, &r.event.DealID, &r.event.ActorType,
		&r.event.EventType, &r.delta, &r.event.AggregateScore, &r.event.RunID,
		&r.event.CallID, &r.createdAt,
	}
}

func (r *auditRow) result() *domain.AuditEvent {
	ev := r.event
	ev.Delta = json.RawMessage(r.delta)
	ev.CreatedAt = time.UnixMilli(r.createdAt)
	return &ev
}
