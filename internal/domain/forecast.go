package domain

// Forecast confidence buckets derived from the aggregate score.
const (
	ForecastCommit   = "commit"
	ForecastBestCase = "best_case"
	ForecastPipeline = "pipeline"
	ForecastAtRisk   = "at_risk"
)

// ForecastBucket classifies an aggregate score out of MaxAggregateScore.
func ForecastBucket(aggregate int) string {
	switch {
	case aggregate >= 24:
		return ForecastCommit
	case aggregate >= 18:
		return ForecastBestCase
	case aggregate >= 10:
		return ForecastPipeline
	default:
		return ForecastAtRisk
	}
}
