package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "deals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedDeal(t *testing.T, repo Repository, orgID, dealID string) {
	t.Helper()
	err := repo.UpsertDeal(context.Background(), &domain.Deal{
		OrganizationID: orgID,
		DealID:         dealID,
		Name:           "Deal " + dealID,
		AccountName:    "Acme",
		RepID:          "rep-1",
		Amount:         12000,
	})
	require.NoError(t, err)
}

func TestGetDealMissingReturnsNil(t *testing.T) {
	repo := newTestStore(t)

	deal, err := repo.GetDeal(context.Background(), "org-1", "nope")
	require.NoError(t, err)
	assert.Nil(t, deal)
}

func TestUpsertDealKeepsCategoryData(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedDeal(t, repo, "org-1", "d1")

	err := repo.InDealTx(ctx, "org-1", "d1", func(ctx context.Context, tx DealTx) error {
		return tx.ApplyChanges(ctx, []domain.FieldChange{{Column: "pain_score", Value: 2}}, time.Now())
	})
	require.NoError(t, err)

	seedDeal(t, repo, "org-1", "d1")

	deal, err := repo.GetDeal(ctx, "org-1", "d1")
	require.NoError(t, err)
	require.NotNil(t, deal)
	require.NotNil(t, deal.Category(domain.CategoryPain).Score)
	assert.Equal(t, 2, *deal.Category(domain.CategoryPain).Score)
	assert.Nil(t, deal.Category(domain.CategoryBudget).Score)
	assert.Equal(t, "Acme", deal.AccountName)
}

func TestInDealTxCommitsAllWrites(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedDeal(t, repo, "org-1", "d1")

	err := repo.InDealTx(ctx, "org-1", "d1", func(ctx context.Context, tx DealTx) error {
		if err := tx.ApplyChanges(ctx, []domain.FieldChange{
			{Column: "pain_score", Value: 3},
			{Column: "pain_summary", Value: "Strong: churn is costing them"},
			{Column: "budget_score", Value: 2},
			{Column: "risk_summary", Value: "single threaded"},
		}, time.Now()); err != nil {
			return err
		}
		scores, err := tx.ReadScores(ctx)
		if err != nil {
			return err
		}
		aggregate := domain.SumScores(scores)
		if err := tx.SetAggregate(ctx, aggregate); err != nil {
			return err
		}
		return tx.InsertAuditEvent(ctx, &domain.AuditEvent{
			EventID:        "ev-1",
			OrganizationID: "org-1",
			DealID:         "d1",
			ActorType:      domain.ActorVoiceAgent,
			EventType:      domain.EventCategorySaved,
			Delta:          json.RawMessage(`{"pain_score":3}`),
			AggregateScore: aggregate,
			RunID:          "run-1",
			CreatedAt:      time.Now(),
		})
	})
	require.NoError(t, err)

	deal, err := repo.GetDeal(ctx, "org-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 5, deal.AggregateScore)
	assert.Equal(t, "single threaded", deal.RiskSummary)
	require.NotNil(t, deal.Category(domain.CategoryPain).Summary)
	assert.Equal(t, "Strong: churn is costing them", *deal.Category(domain.CategoryPain).Summary)

	events, err := repo.ListAuditEvents(ctx, "org-1", "d1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 5, events[0].AggregateScore)
	assert.JSONEq(t, `{"pain_score":3}`, string(events[0].Delta))
}

func TestInDealTxRollsBackOnError(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedDeal(t, repo, "org-1", "d1")

	boom := errors.New("boom")
	err := repo.InDealTx(ctx, "org-1", "d1", func(ctx context.Context, tx DealTx) error {
		if err := tx.ApplyChanges(ctx, []domain.FieldChange{{Column: "timing_score", Value: 1}}, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	deal, err := repo.GetDeal(ctx, "org-1", "d1")
	require.NoError(t, err)
	assert.Nil(t, deal.Category(domain.CategoryTiming).Score)

	events, err := repo.ListAuditEvents(ctx, "org-1", "d1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInDealTxMissingDeal(t *testing.T) {
	repo := newTestStore(t)

	err := repo.InDealTx(context.Background(), "org-1", "ghost", func(ctx context.Context, tx DealTx) error {
		t.Fatal("callback must not run for a missing deal")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrDealNotFound)
}

func TestApplyChangesRejectsUnknownColumn(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedDeal(t, repo, "org-1", "d1")

	err := repo.InDealTx(ctx, "org-1", "d1", func(ctx context.Context, tx DealTx) error {
		return tx.ApplyChanges(ctx, []domain.FieldChange{{Column: "aggregate_score", Value: 30}}, time.Now())
	})
	require.Error(t, err)

	deal, err := repo.GetDeal(ctx, "org-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, deal.AggregateScore)
}

func TestConcurrentDealTransactionsSerialize(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedDeal(t, repo, "org-1", "d1")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- repo.InDealTx(ctx, "org-1", "d1", func(ctx context.Context, tx DealTx) error {
				if err := tx.ApplyChanges(ctx, []domain.FieldChange{
					{Column: "next_steps", Value: fmt.Sprintf("step %d", i)},
				}, time.Now()); err != nil {
					return err
				}
				return tx.InsertAuditEvent(ctx, &domain.AuditEvent{
					EventID:        fmt.Sprintf("ev-%d", i),
					OrganizationID: "org-1",
					DealID:         "d1",
					ActorType:      domain.ActorVoiceAgent,
					EventType:      domain.EventCategorySaved,
					RunID:          "run",
					CreatedAt:      time.Now(),
				})
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	events, err := repo.ListAuditEvents(ctx, "org-1", "d1")
	require.NoError(t, err)
	assert.Len(t, events, writers)
}

func TestListReviewQueueOrdersWeakestFirst(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		seedDeal(t, repo, "org-1", id)
	}
	seedDeal(t, repo, "org-2", "z")

	setAggregate := func(dealID string, aggregate int) {
		err := repo.InDealTx(ctx, "org-1", dealID, func(ctx context.Context, tx DealTx) error {
			return tx.SetAggregate(ctx, aggregate)
		})
		require.NoError(t, err)
	}
	setAggregate("a", 20)
	setAggregate("b", 4)
	setAggregate("c", 4)

	deals, err := repo.ListReviewQueue(ctx, "org-1", "rep-1", 10)
	require.NoError(t, err)
	require.Len(t, deals, 3)
	assert.Equal(t, "b", deals[0].DealID)
	assert.Equal(t, "c", deals[1].DealID)
	assert.Equal(t, "a", deals[2].DealID)

	limited, err := repo.ListReviewQueue(ctx, "org-1", "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].DealID)
}

func TestScoreLabelsIncludeDefaults(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	err := repo.UpsertScoreLabels(ctx, []domain.ScoreLabel{
		{OrganizationID: "", Category: domain.CategoryPain, Score: 2, Label: "Developing"},
		{OrganizationID: "org-1", Category: domain.CategoryPain, Score: 2, Label: "Emerging"},
		{OrganizationID: "org-2", Category: domain.CategoryPain, Score: 2, Label: "Other"},
	})
	require.NoError(t, err)

	labels, err := repo.ListScoreLabels(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, labels, 2)
	assert.Equal(t, "", labels[0].OrganizationID)
	assert.Equal(t, "Emerging", labels[1].Label)
	assert.Equal(t, domain.CategoryPain, labels[1].Category)
}
