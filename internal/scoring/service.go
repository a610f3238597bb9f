package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/audit"
	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/store"
	"github.com/google/uuid"
)

// SaveRequest is one category save. Values holds raw tool arguments.
type SaveRequest struct {
	OrganizationID string
	DealID         string
	Values         map[string]any
	RunID          string
	CallID         string
	Actor          string
}

// SaveResult describes a committed save.
type SaveResult struct {
	Aggregate    int
	AuditEventID string
	RunID        string
	Touched      []string
}

// Service is the only writer of deal category data.
type Service struct {
	repo      store.Repository
	labels    *LabelCache
	publisher audit.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a scoring service.
func NewService(repo store.Repository, labels *LabelCache, publisher audit.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = audit.Nop{}
	}
	if labels == nil {
		labels = NewLabelCache(repo, 5*time.Minute, logger)
	}
	return &Service{
		repo:      repo,
		labels:    labels,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Save validates and applies one save in a single transaction, recomputes
// the aggregate score and appends one audit event.
//
// Errors wrap domain.ErrInvalidIdentity, domain.ErrToolArgument or
// domain.ErrPersistence. Nothing is written unless the error is nil.
func (s *Service) Save(ctx context.Context, req SaveRequest) (*SaveResult, error) {
	orgID := strings.TrimSpace(req.OrganizationID)
	dealID := strings.TrimSpace(req.DealID)
	if orgID == "" || dealID == "" {
		return nil, domain.ErrInvalidIdentity
	}

	fields, err := ParseFields(req.Values)
	if err != nil {
		return nil, err
	}
	if fields.Empty() {
		return nil, fmt.Errorf("nothing to save: %w", domain.ErrToolArgument)
	}

	labels := s.labels.Lookup(ctx, orgID)

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	actor := req.Actor
	if actor == "" {
		actor = domain.ActorVoiceAgent
	}

	var event *domain.AuditEvent
	txCtx := context.WithoutCancel(ctx)
	err = s.repo.InDealTx(txCtx, orgID, dealID, func(ctx context.Context, tx store.DealTx) error {
		now := s.now()
		changes := fields.changes(tx.Deal(), labels)
		if err := tx.ApplyChanges(ctx, changes, now); err != nil {
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

		delta, err := encodeDelta(changes)
		if err != nil {
			return err
		}
		event = &domain.AuditEvent{
			EventID:        uuid.NewString(),
			OrganizationID: orgID,
			DealID:         dealID,
			ActorType:      actor,
			EventType:      domain.EventCategorySaved,
			Delta:          delta,
			AggregateScore: aggregate,
			RunID:          runID,
			CallID:         req.CallID,
			CreatedAt:      now,
		}
		return tx.InsertAuditEvent(ctx, event)
	})
	if err != nil {
		s.logger.Error("category save rolled back",
			"organization_id", orgID,
			"deal_id", dealID,
			"run_id", runID,
			"error", err,
		)
		return nil, fmt.Errorf("save deal %s: %w: %w", dealID, domain.ErrPersistence, err)
	}

	if pubErr := s.publisher.Publish(txCtx, event); pubErr != nil {
		s.logger.Warn("failed to publish audit event", "event_id", event.EventID, "error", pubErr)
	}

	s.logger.Info("category save committed",
		"organization_id", orgID,
		"deal_id", dealID,
		"aggregate_score", event.AggregateScore,
		"audit_event_id", event.EventID,
	)

	return &SaveResult{
		Aggregate:    event.AggregateScore,
		AuditEventID: event.EventID,
		RunID:        runID,
		Touched:      fields.Touched(),
	}, nil
}

func encodeDelta(changes []domain.FieldChange) (json.RawMessage, error) {
	delta := make(map[string]any, len(changes))
	for _, ch := range changes {
		delta[ch.Column] = ch.Value
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return data, nil
}
