package domain

import (
	"time"
)

// ReviewSession holds the deal queue for one call or browser tab.
type ReviewSession struct {
	SessionID      string
	OrganizationID string
	RepID          string
	CallID         string
	Queue          []string
	Index          int
	StartedAt      time.Time

	touched map[string]struct{}
}

// NewReviewSession creates a session over an ordered deal queue.
func NewReviewSession(sessionID, orgID, repID string, queue []string) *ReviewSession {
	return &ReviewSession{
		SessionID:      sessionID,
		OrganizationID: orgID,
		RepID:          repID,
		Queue:          append([]string(nil), queue...),
		StartedAt:      time.Now(),
		touched:        make(map[string]struct{}),
	}
}

// CurrentDealID returns the deal under review, or false once the queue is exhausted.
func (s *ReviewSession) CurrentDealID() (string, bool) {
	if s.Index < 0 || s.Index >= len(s.Queue) {
		return "", false
	}
	return s.Queue[s.Index], true
}

// Remaining returns how many deals are left including the current one.
func (s *ReviewSession) Remaining() int {
	if s.Index >= len(s.Queue) {
		return 0
	}
	return len(s.Queue) - s.Index
}

// Touch records that categories or shared fields were saved for the current deal.
func (s *ReviewSession) Touch(names ...string) {
	if s.touched == nil {
		s.touched = make(map[string]struct{})
	}
	for _, n := range names {
		s.touched[n] = struct{}{}
	}
}

// Touched reports whether name was saved for the current deal.
func (s *ReviewSession) Touched(name string) bool {
	_, ok := s.touched[name]
	return ok
}

// MissingRequirements lists what must be saved before the session may advance.
func (s *ReviewSession) MissingRequirements() []string {
	var missing []string
	for _, c := range Categories {
		if !s.Touched(string(c)) {
			missing = append(missing, string(c))
		}
	}
	for _, f := range []string{FieldRiskSummary, FieldNextSteps} {
		if !s.Touched(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Advance moves to the next deal and resets the touched set. It returns
// true when the queue is exhausted.
func (s *ReviewSession) Advance() bool {
	if s.Index < len(s.Queue) {
		s.Index++
	}
	s.touched = make(map[string]struct{})
	return s.Index >= len(s.Queue)
}
