package domain

import (
	"time"
)

// CategoryState holds the stored values for one category. Nil means the
// column has never been written.
type CategoryState struct {
	Score   *int    `json:"score"`
	Summary *string `json:"summary"`
	Tip     *string `json:"tip"`
}

// Deal is a deal record under qualification review.
type Deal struct {
	OrganizationID     string                     `json:"organization_id"`
	DealID             string                     `json:"deal_id"`
	Name               string                     `json:"name"`
	AccountName        string                     `json:"account_name"`
	RepID              string                     `json:"rep_id"`
	Amount             float64                    `json:"amount"`
	Categories         map[Category]CategoryState `json:"categories"`
	RiskSummary        string                     `json:"risk_summary"`
	NextSteps          string                     `json:"next_steps"`
	ChampionName       string                     `json:"champion_name"`
	ChampionTitle      string                     `json:"champion_title"`
	EconomicBuyerName  string                     `json:"economic_buyer_name"`
	EconomicBuyerTitle string                     `json:"economic_buyer_title"`
	ForecastStage      string                     `json:"forecast_stage"`
	AggregateScore     int                        `json:"aggregate_score"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// Category returns the state for c, never nil-mapped.
func (d *Deal) Category(c Category) CategoryState {
	if d.Categories == nil {
		return CategoryState{}
	}
	return d.Categories[c]
}

// SharedValue returns the value of an allow-listed deal-level field.
func (d *Deal) SharedValue(field string) string {
	switch field {
	case FieldRiskSummary:
		return d.RiskSummary
	case FieldNextSteps:
		return d.NextSteps
	case FieldChampionName:
		return d.ChampionName
	case FieldChampionTitle:
		return d.ChampionTitle
	case FieldEconomicBuyerName:
		return d.EconomicBuyerName
	case FieldEconomicBuyerTitle:
		return d.EconomicBuyerTitle
	}
	return ""
}

// SetSharedValue assigns an allow-listed deal-level field. Unknown names are ignored.
func (d *Deal) SetSharedValue(field, value string) {
	switch field {
	case FieldRiskSummary:
		d.RiskSummary = value
	case FieldNextSteps:
		d.NextSteps = value
	case FieldChampionName:
		d.ChampionName = value
	case FieldChampionTitle:
		d.ChampionTitle = value
	case FieldEconomicBuyerName:
		d.EconomicBuyerName = value
	case FieldEconomicBuyerTitle:
		d.EconomicBuyerTitle = value
	}
}

// SumScores adds up every present category score.
func SumScores(scores map[Category]int) int {
	total := 0
	for _, c := range Categories {
		if s, ok := scores[c]; ok {
			total += s
		}
	}
	return total
}

// Scores returns the present category scores of the deal.
func (d *Deal) Scores() map[Category]int {
	out := make(map[Category]int, len(Categories))
	for c, st := range d.Categories {
		if st.Score != nil {
			out[c] = *st.Score
		}
	}
	return out
}

// FieldChange is one column write inside a save.
type FieldChange struct {
	Column string
	Value  any
}

// ScoreLabel maps a (category, score) pair to the label used to prefix
// summaries. An empty OrganizationID marks the default set.
type ScoreLabel struct {
	OrganizationID string   `yaml:"organization_id" json:"organization_id"`
	Category       Category `yaml:"category" json:"category"`
	Score          int      `yaml:"score" json:"score"`
	Label          string   `yaml:"label" json:"label"`
}
