package domain

import "testing"

func TestParseFieldKey(t *testing.T) {
	tests := []struct {
		name string
		want FieldKey
		ok   bool
	}{
		{"pain_score", FieldKey{CategoryPain, FieldScore}, true},
		{"economic_buyer_summary", FieldKey{CategoryEconomicBuyer, FieldSummary}, true},
		{"decision_process_tip", FieldKey{CategoryDecisionProcess, FieldTip}, true},
		{"paper_process_score", FieldKey{CategoryPaperProcess, FieldScore}, true},
		{"aggregate_score", FieldKey{}, false},
		{"organization_id", FieldKey{}, false},
		{"PAIN_score", FieldKey{}, false},
		{"pain_notes", FieldKey{}, false},
		{"_score", FieldKey{}, false},
	}

	for _, tt := range tests {
		got, ok := ParseFieldKey(tt.name)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseFieldKey(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsWritableColumn(t *testing.T) {
	for _, col := range []string{"budget_tip", "risk_summary", "champion_name"} {
		if !IsWritableColumn(col) {
			t.Errorf("expected %q to be writable", col)
		}
	}
	for _, col := range []string{"aggregate_score", "deal_id", "organization_id", "updated_at", "forecast_stage"} {
		if IsWritableColumn(col) {
			t.Errorf("expected %q to be rejected", col)
		}
	}
}

func TestSumScores(t *testing.T) {
	got := SumScores(map[Category]int{CategoryPain: 3, CategoryBudget: 2})
	if got != 5 {
		t.Fatalf("SumScores = %d, want 5", got)
	}
	if MaxAggregateScore != 30 {
		t.Fatalf("MaxAggregateScore = %d, want 30", MaxAggregateScore)
	}
}

func TestReviewSessionRequirementsAndAdvance(t *testing.T) {
	s := NewReviewSession("s1", "org-1", "rep-1", []string{"d1", "d2"})

	if got, _ := s.CurrentDealID(); got != "d1" {
		t.Fatalf("current = %q, want d1", got)
	}
	if n := len(s.MissingRequirements()); n != 12 {
		t.Fatalf("missing = %d, want 12", n)
	}

	for _, c := range Categories {
		s.Touch(string(c))
	}
	s.Touch(FieldRiskSummary)
	if missing := s.MissingRequirements(); len(missing) != 1 || missing[0] != FieldNextSteps {
		t.Fatalf("missing = %v, want [next_steps]", missing)
	}
	s.Touch(FieldNextSteps)
	if missing := s.MissingRequirements(); len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}

	if done := s.Advance(); done {
		t.Fatal("expected queue to have a second deal")
	}
	if got, _ := s.CurrentDealID(); got != "d2" {
		t.Fatalf("current = %q, want d2", got)
	}
	if s.Touched(string(CategoryPain)) {
		t.Fatal("touched set must reset on advance")
	}
	if done := s.Advance(); !done {
		t.Fatal("expected queue to be exhausted")
	}
	if _, ok := s.CurrentDealID(); ok {
		t.Fatal("expected no current deal")
	}
}

func TestForecastBucket(t *testing.T) {
	cases := map[int]string{30: ForecastCommit, 24: ForecastCommit, 23: ForecastBestCase, 10: ForecastPipeline, 9: ForecastAtRisk, 0: ForecastAtRisk}
	for agg, want := range cases {
		if got := ForecastBucket(agg); got != want {
			t.Errorf("ForecastBucket(%d) = %q, want %q", agg, got, want)
		}
	}
}
