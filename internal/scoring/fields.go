// Package scoring applies category saves to deals.
package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// CategoryInput is the subset of one category's fields present in a save.
type CategoryInput struct {
	Score   *int
	Summary *string
	Tip     *string
}

// Fields is a validated save payload. Keys outside the allow-list have
// already been discarded.
type Fields struct {
	Categories map[domain.Category]CategoryInput
	Shared     map[string]string
}

// ParseFields validates raw tool arguments. Unknown keys are ignored; a
// known key with a value of the wrong type fails the whole payload.
func ParseFields(values map[string]any) (Fields, error) {
	f := Fields{
		Categories: make(map[domain.Category]CategoryInput),
		Shared:     make(map[string]string),
	}

	for name, raw := range values {
		if raw == nil {
			continue
		}

		if domain.IsSharedField(name) {
			s, ok := raw.(string)
			if !ok {
				return Fields{}, fmt.Errorf("%s must be a string: %w", name, domain.ErrToolArgument)
			}
			f.Shared[name] = s
			continue
		}

		key, ok := domain.ParseFieldKey(name)
		if !ok {
			continue
		}

		in := f.Categories[key.Category]
		switch key.Kind {
		case domain.FieldScore:
			score, err := parseScore(raw)
			if err != nil {
				return Fields{}, fmt.Errorf("%s: %w", name, err)
			}
			in.Score = &score
		case domain.FieldSummary, domain.FieldTip:
			s, ok := raw.(string)
			if !ok {
				return Fields{}, fmt.Errorf("%s must be a string: %w", name, domain.ErrToolArgument)
			}
			if key.Kind == domain.FieldSummary {
				in.Summary = &s
			} else {
				in.Tip = &s
			}
		}
		f.Categories[key.Category] = in
	}

	return f, nil
}

func parseScore(raw any) (int, error) {
	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("score %q is not a number: %w", t, domain.ErrToolArgument)
		}
		v = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("score %q is not a number: %w", t, domain.ErrToolArgument)
		}
		v = n
	default:
		return 0, fmt.Errorf("score has type %T: %w", raw, domain.ErrToolArgument)
	}

	if v != math.Trunc(v) || v < domain.MinCategoryScore || v > domain.MaxCategoryScore {
		return 0, fmt.Errorf("score %v outside %d-%d: %w", v, domain.MinCategoryScore, domain.MaxCategoryScore, domain.ErrToolArgument)
	}
	return int(v), nil
}

// Touched returns the category and shared field names the save counts
// toward, in interview order.
func (f Fields) Touched() []string {
	var names []string
	for _, c := range domain.Categories {
		if _, ok := f.Categories[c]; ok {
			names = append(names, string(c))
		}
	}
	for _, name := range domain.SharedFields {
		if strings.TrimSpace(f.Shared[name]) != "" {
			names = append(names, name)
		}
	}
	return names
}

// Empty reports whether the payload carries no allow-listed field.
func (f Fields) Empty() bool {
	return len(f.Categories) == 0 && len(f.Shared) == 0
}

// changes builds the column update set against the row as locked.
func (f Fields) changes(current *domain.Deal, labels LabelSet) []domain.FieldChange {
	var out []domain.FieldChange

	for _, c := range domain.Categories {
		in, ok := f.Categories[c]
		if !ok {
			continue
		}
		stored := current.Category(c)

		if in.Score != nil {
			out = append(out, domain.FieldChange{
				Column: domain.FieldKey{Category: c, Kind: domain.FieldScore}.Column(),
				Value:  *in.Score,
			})
		}

		if in.Summary != nil {
			summary := strings.TrimSpace(*in.Summary)
			if summary != "" {
				if in.Score != nil {
					summary = labels.Prefix(c, *in.Score, summary)
				}
				out = append(out, domain.FieldChange{
					Column: domain.FieldKey{Category: c, Kind: domain.FieldSummary}.Column(),
					Value:  summary,
				})
			}
		}

		tipCol := domain.FieldKey{Category: c, Kind: domain.FieldTip}.Column()
		switch {
		case in.Tip != nil && strings.TrimSpace(*in.Tip) != "":
			out = append(out, domain.FieldChange{Column: tipCol, Value: strings.TrimSpace(*in.Tip)})
		case stored.Tip == nil:
			out = append(out, domain.FieldChange{Column: tipCol, Value: ""})
		}
	}

	for _, name := range domain.SharedFields {
		v, ok := f.Shared[name]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, domain.FieldChange{Column: name, Value: strings.TrimSpace(v)})
	}

	return out
}
