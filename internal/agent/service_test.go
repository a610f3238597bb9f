package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/prompt"
	"github.com/ashureev/meddpicc-voice/internal/scoring"
	"github.com/ashureev/meddpicc-voice/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays completions in order and records each history it saw.
type scriptedModel struct {
	mu        sync.Mutex
	replies   []*Completion
	histories [][]Message
	block     chan struct{}
	entered   chan struct{}
	err       error
}

func (m *scriptedModel) Complete(ctx context.Context, history []Message, _ []tools.Definition) (*Completion, error) {
	if m.block != nil {
		m.entered <- struct{}{}
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histories = append(m.histories, append([]Message(nil), history...))
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &Completion{Content: "ok"}, nil
	}
	next := m.replies[0]
	m.replies = m.replies[1:]
	return next, nil
}

type fakeSaver struct {
	mu    sync.Mutex
	calls []scoring.SaveRequest
}

func (s *fakeSaver) Save(_ context.Context, req scoring.SaveRequest) (*scoring.SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return &scoring.SaveResult{Aggregate: 3, AuditEventID: "evt", RunID: req.RunID, Touched: []string{"pain"}}, nil
}

type fakeDeals struct {
	queue []*domain.Deal
}

func (d *fakeDeals) GetDeal(_ context.Context, _, dealID string) (*domain.Deal, error) {
	for _, deal := range d.queue {
		if deal.DealID == dealID {
			return deal, nil
		}
	}
	return nil, nil
}

func (d *fakeDeals) ListReviewQueue(context.Context, string, string, int) ([]*domain.Deal, error) {
	return d.queue, nil
}

func newTestService(model Model, saver tools.Saver) *Service {
	deals := &fakeDeals{queue: []*domain.Deal{
		{OrganizationID: "org-1", DealID: "d1", Name: "Acme"},
		{OrganizationID: "org-1", DealID: "d2", Name: "Globex"},
	}}
	return NewService(DefaultConfig(), model, deals, saver, prompt.NewBuilder("base"), nil, nil)
}

func TestInitOpensSession(t *testing.T) {
	model := &scriptedModel{replies: []*Completion{{Content: "Let's start with Acme."}}}
	svc := newTestService(model, &fakeSaver{})

	resp, err := svc.Init(context.Background(), "org-1", "rep-1")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "d1", resp.DealID)
	assert.Equal(t, []string{"d1", "d2"}, resp.Queue)
	assert.Equal(t, "Let's start with Acme.", resp.Reply)

	require.Len(t, model.histories, 1)
	assert.Equal(t, RoleSystem, model.histories[0][0].Role)
	assert.Contains(t, model.histories[0][0].Content, "Deal: Acme")
}

func TestInitValidation(t *testing.T) {
	svc := newTestService(&scriptedModel{}, &fakeSaver{})
	_, err := svc.Init(context.Background(), "org-1", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)

	empty := NewService(DefaultConfig(), &scriptedModel{}, &fakeDeals{}, &fakeSaver{}, nil, nil, nil)
	_, err = empty.Init(context.Background(), "org-1", "rep-1")
	assert.ErrorIs(t, err, ErrNoDeals)
}

func TestInitSurvivesModelFailure(t *testing.T) {
	svc := newTestService(&scriptedModel{err: errors.New("upstream down")}, &fakeSaver{})
	resp, err := svc.Init(context.Background(), "org-1", "rep-1")
	require.NoError(t, err)
	assert.Empty(t, resp.Reply)
	assert.Equal(t, 1, svc.Sessions().Len())
}

func TestTurnRoutesToolCalls(t *testing.T) {
	model := &scriptedModel{replies: []*Completion{
		{Content: "hi"},
		{ToolCalls: []tools.Call{{ID: "call-1", Name: tools.SaveCategoryData, Arguments: `{"pain_score":3}`}}},
		{Content: "Saved. Now metrics."},
	}}
	saver := &fakeSaver{}
	svc := newTestService(model, saver)
	opened, err := svc.Init(context.Background(), "org-1", "rep-1")
	require.NoError(t, err)

	resp, err := svc.Turn(context.Background(), opened.SessionID, "Pain is a manual close that takes 10 days")
	require.NoError(t, err)
	assert.Equal(t, "Saved. Now metrics.", resp.Reply)
	assert.Equal(t, []string{tools.SaveCategoryData}, resp.ToolsUsed)
	require.NotNil(t, resp.AggregateScore)
	assert.Equal(t, 3, *resp.AggregateScore)
	assert.Equal(t, "d1", resp.DealID)

	require.Len(t, saver.calls, 1)
	assert.Equal(t, "call-1", saver.calls[0].RunID)
	assert.Equal(t, opened.SessionID, saver.calls[0].CallID)
	assert.Equal(t, domain.ActorTextAgent, saver.calls[0].Actor)

	last := model.histories[len(model.histories)-1]
	tool := last[len(last)-1]
	assert.Equal(t, RoleTool, tool.Role)
	assert.Equal(t, "call-1", tool.ToolCallID)
}

func TestConcurrentTurnIsRefused(t *testing.T) {
	model := &scriptedModel{}
	svc := newTestService(model, &fakeSaver{})
	opened, err := svc.Init(context.Background(), "org-1", "rep-1")
	require.NoError(t, err)

	model.block = make(chan struct{})
	model.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Turn(context.Background(), opened.SessionID, "first")
		done <- err
	}()
	<-model.entered

	_, err = svc.Turn(context.Background(), opened.SessionID, "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	close(model.block)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first turn did not finish")
	}
}

func TestAdvanceClearsHistory(t *testing.T) {
	model := &scriptedModel{replies: []*Completion{
		{Content: "hi"},
		{ToolCalls: []tools.Call{
			{ID: "adv", Name: tools.AdvanceToNext, Arguments: `{}`},
			{ID: "late", Name: tools.SaveCategoryData, Arguments: `{"pain_score":1}`},
		}},
		{Content: "On to Globex."},
	}}
	saver := &fakeSaver{}
	svc := newTestService(model, saver)
	opened, err := svc.Init(context.Background(), "org-1", "rep-1")
	require.NoError(t, err)

	sess := svc.sessions.get(opened.SessionID)
	sess.review.Touch(sess.review.MissingRequirements()...)

	resp, err := svc.Turn(context.Background(), opened.SessionID, "that's everything")
	require.NoError(t, err)
	assert.True(t, resp.Advanced)
	assert.False(t, resp.Done)
	assert.Equal(t, "d2", resp.DealID)
	assert.Empty(t, saver.calls, "calls after an advance must be dropped")

	last := model.histories[len(model.histories)-1]
	require.Len(t, last, 1)
	assert.Contains(t, last[0].Content, "Deal: Globex")
}

func TestTurnErrors(t *testing.T) {
	svc := newTestService(&scriptedModel{}, &fakeSaver{})
	_, err := svc.Turn(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	opened, err := svc.Init(context.Background(), "org-1", "rep-1")
	require.NoError(t, err)
	_, err = svc.Turn(context.Background(), opened.SessionID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	s := NewSessions()
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	idle := &session{review: domain.NewReviewSession("idle", "org", "rep", nil)}
	busy := &session{review: domain.NewReviewSession("busy", "org", "rep", nil)}
	s.put("idle", idle)
	s.put("busy", busy)
	busy.gate.Lock()

	now = now.Add(time.Hour)
	fresh := &session{review: domain.NewReviewSession("fresh", "org", "rep", nil)}
	s.put("fresh", fresh)

	assert.Equal(t, 1, s.Sweep(30*time.Minute))
	assert.Nil(t, s.get("idle"))
	assert.NotNil(t, s.get("busy"))
	assert.NotNil(t, s.get("fresh"))
	busy.gate.Unlock()
}
