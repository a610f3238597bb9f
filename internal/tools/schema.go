// Package tools routes model-issued tool calls to the scoring service.
package tools

import (
	"fmt"

	"github.com/ashureev/meddpicc-voice/internal/domain"
)

// Tool names exposed to the conversational model.
const (
	SaveCategoryData = "save_category_data"
	AdvanceToNext    = "advance_to_next"
)

// Definition is a function tool in JSON-schema form.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Definitions returns the two tools offered to the model. No parameter is
// required; the agent saves whichever category it just covered.
func Definitions() []Definition {
	props := make(map[string]any, len(domain.Categories)*3+len(domain.SharedFields))
	for _, c := range domain.Categories {
		props[string(c)+"_score"] = map[string]any{
			"type":        "integer",
			"minimum":     domain.MinCategoryScore,
			"maximum":     domain.MaxCategoryScore,
			"description": fmt.Sprintf("%s score from %d to %d.", c.Title(), domain.MinCategoryScore, domain.MaxCategoryScore),
		}
		props[string(c)+"_summary"] = map[string]any{
			"type":        "string",
			"description": fmt.Sprintf("Evidence for %s in the rep's words.", c.Title()),
		}
		props[string(c)+"_tip"] = map[string]any{
			"type":        "string",
			"description": fmt.Sprintf("One coaching tip to strengthen %s.", c.Title()),
		}
	}
	shared := map[string]string{
		domain.FieldRiskSummary:        "Overall risk to the deal.",
		domain.FieldNextSteps:          "Agreed next steps with owners and dates.",
		domain.FieldChampionName:       "Name of the champion.",
		domain.FieldChampionTitle:      "Job title of the champion.",
		domain.FieldEconomicBuyerName:  "Name of the economic buyer.",
		domain.FieldEconomicBuyerTitle: "Job title of the economic buyer.",
	}
	for name, desc := range shared {
		props[name] = map[string]any{"type": "string", "description": desc}
	}

	return []Definition{
		{
			Name:        SaveCategoryData,
			Description: "Save scores, evidence summaries and coaching tips for the categories just discussed on the current deal.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           props,
				"additionalProperties": false,
			},
		},
		{
			Name:        AdvanceToNext,
			Description: "Move to the next deal once every category, the risk summary and next steps are saved.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}
