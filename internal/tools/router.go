package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/ashureev/meddpicc-voice/internal/scoring"
	"github.com/ashureev/meddpicc-voice/internal/shared"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Call is one completed tool invocation from the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the tool output returned to the model.
type Result struct {
	CallID string
	Status string
	Output string
}

// Outcome tells the caller what the routed call changed.
type Outcome struct {
	Result   Result
	Saved    *scoring.SaveResult
	Err      error
	Advanced bool
	Done     bool
}

// Failed reports whether the model must be re-prompted for this call.
func (o Outcome) Failed() bool {
	return o.Result.Status == StatusFailure
}

// Saver persists category saves.
type Saver interface {
	Save(ctx context.Context, req scoring.SaveRequest) (*scoring.SaveResult, error)
}

// Router dispatches tool calls for one actor type.
type Router struct {
	saver  Saver
	actor  string
	retry  shared.RetryPolicy
	logger *slog.Logger
}

// NewRouter creates a router. actor is recorded on audit events.
func NewRouter(saver Saver, actor string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		saver:  saver,
		actor:  actor,
		retry:  shared.DefaultRetryPolicy,
		logger: logger,
	}
}

// Route handles one call against the session's current deal. It never
// panics on model input; every problem becomes a failure result.
func (r *Router) Route(ctx context.Context, sess *domain.ReviewSession, call Call) Outcome {
	logger := r.logger.With("session_id", sess.SessionID, "tool", call.Name, "call_id", call.ID)

	switch call.Name {
	case SaveCategoryData:
		return r.save(ctx, logger, sess, call)
	case AdvanceToNext:
		return r.advance(logger, sess, call)
	default:
		logger.Info("ignoring unknown tool")
		return Outcome{Result: success(call.ID, map[string]any{"ignored": true})}
	}
}

func (r *Router) save(ctx context.Context, logger *slog.Logger, sess *domain.ReviewSession, call Call) Outcome {
	values, err := decodeArguments(call.Arguments)
	if err != nil {
		logger.Warn("rejecting tool call with bad arguments", "error", err)
		return Outcome{
			Result: failure(call.ID, "arguments were not a JSON object; resend the save", false),
			Err:    err,
		}
	}

	dealID, ok := sess.CurrentDealID()
	if !ok {
		err := fmt.Errorf("no deal under review: %w", domain.ErrToolArgument)
		return Outcome{Result: failure(call.ID, "the review queue is finished; nothing to save", false), Err: err}
	}

	callID := sess.CallID
	if callID == "" {
		callID = sess.SessionID
	}

	var res *scoring.SaveResult
	err = shared.WithRetry(ctx, r.retry, func() error {
		var saveErr error
		res, saveErr = r.saver.Save(ctx, scoring.SaveRequest{
			OrganizationID: sess.OrganizationID,
			DealID:         dealID,
			Values:         values,
			RunID:          call.ID,
			CallID:         callID,
			Actor:          r.actor,
		})
		return saveErr
	})
	if err != nil {
		logger.Error("save failed", "deal_id", dealID, "error", err)
		switch {
		case errors.Is(err, domain.ErrToolArgument):
			return Outcome{Result: failure(call.ID, "invalid field value: "+err.Error(), false), Err: err}
		case errors.Is(err, domain.ErrInvalidIdentity):
			return Outcome{Result: failure(call.ID, "session has no deal identity", false), Err: err}
		default:
			return Outcome{
				Result: failure(call.ID, "the save did not go through; ask the rep to confirm and save again", shared.IsRetryable(err)),
				Err:    err,
			}
		}
	}

	sess.Touch(res.Touched...)
	logger.Info("tool save applied", "deal_id", dealID, "aggregate_score", res.Aggregate, "touched", res.Touched)

	body := map[string]any{
		"aggregate_score": res.Aggregate,
		"audit_event_id":  res.AuditEventID,
	}
	if missing := sess.MissingRequirements(); len(missing) > 0 {
		body["still_missing"] = missing
	}
	return Outcome{Result: success(call.ID, body), Saved: res}
}

func (r *Router) advance(logger *slog.Logger, sess *domain.ReviewSession, call Call) Outcome {
	if missing := sess.MissingRequirements(); len(missing) > 0 {
		logger.Info("advance refused", "missing", missing)
		out, _ := json.Marshal(map[string]any{
			"status":  StatusFailure,
			"error":   "complete these before advancing: " + strings.Join(missing, ", "),
			"missing": missing,
		})
		return Outcome{Result: Result{CallID: call.ID, Status: StatusFailure, Output: string(out)}}
	}

	finished, _ := sess.CurrentDealID()
	done := sess.Advance()
	logger.Info("advanced to next deal", "finished_deal_id", finished, "done", done)

	body := map[string]any{"done": done}
	if next, ok := sess.CurrentDealID(); ok {
		body["next_deal_id"] = next
	}
	return Outcome{Result: success(call.ID, body), Advanced: true, Done: done}
}

// Reject answers a call without routing it. The model is told to retry.
func Reject(call Call, message string) Outcome {
	return Outcome{
		Result: failure(call.ID, message, true),
		Err:    fmt.Errorf("%s: %w", message, domain.ErrToolArgument),
	}
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("decode arguments: %w: %w", domain.ErrToolArgument, err)
	}
	if values == nil {
		return nil, fmt.Errorf("arguments are null: %w", domain.ErrToolArgument)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after arguments: %w", domain.ErrToolArgument)
	}
	return values, nil
}

func success(callID string, body map[string]any) Result {
	body["status"] = StatusSuccess
	out, _ := json.Marshal(body)
	return Result{CallID: callID, Status: StatusSuccess, Output: string(out)}
}

func failure(callID, message string, retryable bool) Result {
	out, _ := json.Marshal(map[string]any{
		"status":    StatusFailure,
		"error":     message,
		"retryable": retryable,
	})
	return Result{CallID: callID, Status: StatusFailure, Output: string(out)}
}
