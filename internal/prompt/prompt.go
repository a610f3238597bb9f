// Package prompt assembles session instructions from an operator-supplied
// base prompt and the deal under review.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// DefaultBase is used when no prompt file is configured.
const DefaultBase = `You are a sales manager running a MEDDPICC+TB qualification review with a rep.
Ask about one category at a time. After each category, call save_category_data
with the score, a short evidence summary and one coaching tip. Save the risk
summary and next steps before calling advance_to_next. If a save fails, ask the
rep to confirm and save again.`

// Builder renders instructions for a session.
type Builder struct {
	base string
}

// NewBuilder creates a builder over base. A blank base uses DefaultBase.
func NewBuilder(base string) *Builder {
	if strings.TrimSpace(base) == "" {
		base = DefaultBase
	}
	return &Builder{base: strings.TrimSpace(base)}
}

// LoadBuilder reads the base prompt from path. An empty path uses DefaultBase.
func LoadBuilder(path string) (*Builder, error) {
	if path == "" {
		return NewBuilder(""), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return NewBuilder(string(data)), nil
}

// ForDeal renders instructions for reviewing deal with remaining deals left
// in the queue, the current one included.
func (b *Builder) ForDeal(deal *domain.Deal, remaining int) string {
	var sb strings.Builder
	sb.WriteString(b.base)
	sb.WriteString("\n\n## Current deal\n")
	if deal == nil {
		sb.WriteString("The deal record could not be loaded. Ask the rep for the deal name and continue.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Deal: %s", orUnknown(deal.Name))
	if deal.AccountName != "" {
		fmt.Fprintf(&sb, " (%s)", deal.AccountName)
	}
	sb.WriteString("\n")
	if deal.Amount > 0 {
		fmt.Fprintf(&sb, "Amount: %.0f\n", deal.Amount)
	}
	fmt.Fprintf(&sb, "Aggregate score: %d/%d\n", deal.AggregateScore, domain.MaxAggregateScore)
	fmt.Fprintf(&sb, "Deals left in this review: %d\n", remaining)

	sb.WriteString("\n## Stored qualification\n")
	for _, c := range domain.Categories {
		st := deal.Category(c)
		if st.Score == nil {
			fmt.Fprintf(&sb, "- %s: not scored\n", c.Title())
			continue
		}
		fmt.Fprintf(&sb, "- %s: %d", c.Title(), *st.Score)
		if st.Summary != nil && *st.Summary != "" {
			fmt.Fprintf(&sb, " | %s", *st.Summary)
		}
		sb.WriteString("\n")
	}
	for _, f := range []string{domain.FieldRiskSummary, domain.FieldNextSteps} {
		if v := deal.SharedValue(f); v != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", f, v)
		}
	}
	return sb.String()
}

// WrapUp renders instructions once the queue is exhausted.
func (b *Builder) WrapUp() string {
	return b.base + "\n\n## Review complete\nEvery deal in the queue has been reviewed. Thank the rep, recap the biggest risks you heard and end the call. Do not call any tools.\n"
}

func orUnknown(s string) string {
	if s == "" {
		return "(unnamed)"
	}
	return s
}
