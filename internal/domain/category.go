// Package domain contains core domain types for deal qualification calls.
package domain

import "strings"

// Category identifies one of the ten fixed MEDDPICC+TB qualification categories.
type Category string

const (
	CategoryPain             Category = "pain"
	CategoryMetrics          Category = "metrics"
	CategoryChampion         Category = "champion"
	CategoryEconomicBuyer    Category = "economic_buyer"
	CategoryDecisionCriteria Category = "decision_criteria"
	CategoryDecisionProcess  Category = "decision_process"
	CategoryCompetition      Category = "competition"
	CategoryPaperProcess     Category = "paper_process"
	CategoryTiming           Category = "timing"
	CategoryBudget           Category = "budget"
)

const (
	// MinCategoryScore is the lowest score a category can hold.
	MinCategoryScore = 0
	// MaxCategoryScore is the highest score a category can hold.
	MaxCategoryScore = 3
	// MaxAggregateScore is the canonical ceiling of a deal's aggregate score.
	MaxAggregateScore = MaxCategoryScore * 10
)

// Categories lists every category in interview order.
var Categories = []Category{
	CategoryPain,
	CategoryMetrics,
	CategoryChampion,
	CategoryEconomicBuyer,
	CategoryDecisionCriteria,
	CategoryDecisionProcess,
	CategoryCompetition,
	CategoryPaperProcess,
	CategoryTiming,
	CategoryBudget,
}

var categoryTitles = map[Category]string{
	CategoryPain:             "Pain",
	CategoryMetrics:          "Metrics",
	CategoryChampion:         "Champion",
	CategoryEconomicBuyer:    "Economic Buyer",
	CategoryDecisionCriteria: "Decision Criteria",
	CategoryDecisionProcess:  "Decision Process",
	CategoryCompetition:      "Competition",
	CategoryPaperProcess:     "Paper Process",
	CategoryTiming:           "Timing",
	CategoryBudget:           "Budget",
}

// ParseCategory validates s against the category allow-list.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	_, ok := categoryTitles[c]
	return c, ok
}

// Title returns the human-readable category name.
func (c Category) Title() string {
	return categoryTitles[c]
}

// FieldKind is the per-category attribute a field key addresses.
type FieldKind string

const (
	FieldScore   FieldKind = "score"
	FieldSummary FieldKind = "summary"
	FieldTip     FieldKind = "tip"
)

// FieldKey addresses a single per-category column, e.g. economic_buyer_summary.
type FieldKey struct {
	Category Category
	Kind     FieldKind
}

// Column returns the storage column name for the key.
func (k FieldKey) Column() string {
	return string(k.Category) + "_" + string(k.Kind)
}

// ParseFieldKey splits a `<category>_<kind>` name. Names outside the
// allow-list are rejected.
func ParseFieldKey(name string) (FieldKey, bool) {
	for _, kind := range []FieldKind{FieldScore, FieldSummary, FieldTip} {
		suffix := "_" + string(kind)
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		c, ok := ParseCategory(strings.TrimSuffix(name, suffix))
		if !ok || string(c) != strings.TrimSuffix(name, suffix) {
			return FieldKey{}, false
		}
		return FieldKey{Category: c, Kind: kind}, true
	}
	return FieldKey{}, false
}

// Shared (deal-level) text fields writable by a save.
const (
	FieldRiskSummary        = "risk_summary"
	FieldNextSteps          = "next_steps"
	FieldChampionName       = "champion_name"
	FieldChampionTitle      = "champion_title"
	FieldEconomicBuyerName  = "economic_buyer_name"
	FieldEconomicBuyerTitle = "economic_buyer_title"
)

// SharedFields lists the deal-level text fields in storage order.
var SharedFields = []string{
	FieldRiskSummary,
	FieldNextSteps,
	FieldChampionName,
	FieldChampionTitle,
	FieldEconomicBuyerName,
	FieldEconomicBuyerTitle,
}

// IsSharedField reports whether name is an allow-listed deal-level field.
func IsSharedField(name string) bool {
	for _, f := range SharedFields {
		if f == name {
			return true
		}
	}
	return false
}

// IsWritableColumn reports whether a column may appear in an update set.
func IsWritableColumn(column string) bool {
	if IsSharedField(column) {
		return true
	}
	_, ok := ParseFieldKey(column)
	return ok
}
