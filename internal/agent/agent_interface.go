package agent

import (
	"context"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/tools"
)

// Model produces the next assistant message for a conversation.
// This interface is implemented by the OpenAI client.
type Model interface {
	// Complete returns the assistant reply, offering defs as callable tools.
	Complete(ctx context.Context, history []Message, defs []tools.Definition) (*Completion, error)
}

// QueueSource lists and loads the deals a rep should review.
type QueueSource interface {
	GetDeal(ctx context.Context, orgID, dealID string) (*domain.Deal, error)
	ListReviewQueue(ctx context.Context, orgID, repID string, limit int) ([]*domain.Deal, error)
}
