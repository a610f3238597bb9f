package store

import (
	"context"
	"testing"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dealYAML = `
deals:
  - organization_id: org-1
    deal_id: d1
    name: Acme renewal
    account_name: Acme
    rep_id: rep-1
    amount: 48000
  - organization_id: org-1
    deal_id: d2
    name: Globex expansion
    account_name: Globex
    rep_id: rep-1
    forecast_stage: pipeline
`

func TestSeedDeals(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	deals, err := ParseDeals([]byte(dealYAML))
	require.NoError(t, err)
	require.Len(t, deals, 2)

	n, err := SeedDeals(ctx, repo, deals)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := repo.GetDeal(ctx, "org-1", "d2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Globex expansion", got.Name)
	assert.Equal(t, "pipeline", got.ForecastStage)

	queue, err := repo.ListReviewQueue(ctx, "org-1", "rep-1", 10)
	require.NoError(t, err)
	assert.Len(t, queue, 2)
}

func TestParseDealsRequiresIDs(t *testing.T) {
	_, err := ParseDeals([]byte("deals:\n  - organization_id: org-1\n    name: no id\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)

	_, err = ParseDeals([]byte("deals: [unclosed"))
	assert.Error(t, err)
}
