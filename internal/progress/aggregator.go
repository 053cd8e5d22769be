// Package progress aggregates per-session cost, token, and status
// information for a running session group and evaluates budget
// predicates against it.
package progress

import (
	"time"

	"github.com/dpaulsen/sessionrunner/internal/model"
)

// SessionProgress is the per-session slice of the aggregate.
type SessionProgress struct {
	Status       model.SessionStatus
	CostUSD      float64
	Tokens       int64
	MessageCount int
	StartedAt    *time.Time
	DurationMs   *int64
}

// Totals summarizes cost/tokens/time across an entire group.
type Totals struct {
	CostUSD      float64
	Tokens       int64
	ElapsedMs    int64
	EstimateMs   int64
	Completed    int
	Running      int
	Pending      int
	Failed       int
}

// Aggregator keeps a session-id -> SessionProgress map, updated as
// sessions progress and events arrive.
type Aggregator struct {
	sessions  map[string]*SessionProgress
	startedAt time.Time
}

// New constructs an Aggregator with the group's start time.
func New(startedAt time.Time) *Aggregator {
	return &Aggregator{
		sessions:  make(map[string]*SessionProgress),
		startedAt: startedAt,
	}
}

// Update sets or replaces the progress record for a session id.
func (a *Aggregator) Update(sessionID string, p SessionProgress) {
	cp := p
	a.sessions[sessionID] = &cp
}

// AddCost accumulates cost onto a session's running total.
func (a *Aggregator) AddCost(sessionID string, costUSD float64) {
	p := a.sessions[sessionID]
	if p == nil {
		p = &SessionProgress{}
		a.sessions[sessionID] = p
	}
	p.CostUSD += costUSD
}

// AddTokens accumulates tokens onto a session's running total.
func (a *Aggregator) AddTokens(sessionID string, tokens int64) {
	p := a.sessions[sessionID]
	if p == nil {
		p = &SessionProgress{}
		a.sessions[sessionID] = p
	}
	p.Tokens += tokens
}

// IncrementMessageCount bumps a session's message counter.
func (a *Aggregator) IncrementMessageCount(sessionID string) {
	p := a.sessions[sessionID]
	if p == nil {
		p = &SessionProgress{}
		a.sessions[sessionID] = p
	}
	p.MessageCount++
}

// ComputeProgress walks the group's session list (not the aggregator's
// internal map) so sessions with no progress record yet still count
// toward their persisted status.
func (a *Aggregator) ComputeProgress(group *model.SessionGroup, now time.Time) Totals {
	var totals Totals
	for _, s := range group.Sessions {
		switch s.Status {
		case model.SessionCompleted:
			totals.Completed++
		case model.SessionActive:
			totals.Running++
		case model.SessionPending, model.SessionPaused:
			totals.Pending++
		case model.SessionFailed:
			totals.Failed++
		}

		if p, ok := a.sessions[s.ID]; ok {
			totals.CostUSD += p.CostUSD
			totals.Tokens += p.Tokens
		} else if s.CostUSD != nil {
			totals.CostUSD += *s.CostUSD
		}
	}

	if group.StartedAt != nil {
		totals.ElapsedMs = now.Sub(*group.StartedAt).Milliseconds()
	}

	remaining := totals.Running + totals.Pending
	if totals.Completed > 0 && remaining > 0 {
		perSession := float64(totals.ElapsedMs) / float64(totals.Completed)
		totals.EstimateMs = int64(perSession * float64(remaining))
	}

	return totals
}

// BudgetUsagePercent returns cost as a fraction of max (0 if max is 0).
func BudgetUsagePercent(costUSD, maxUSD float64) float64 {
	if maxUSD <= 0 {
		return 0
	}
	return costUSD / maxUSD
}

// IsBudgetWarning reports whether cost has crossed the warning
// threshold of max.
func IsBudgetWarning(costUSD, maxUSD, threshold float64) bool {
	if maxUSD <= 0 {
		return false
	}
	return costUSD >= maxUSD*threshold
}

// IsBudgetExceeded reports whether cost has reached or passed max.
func IsBudgetExceeded(costUSD, maxUSD float64) bool {
	if maxUSD <= 0 {
		return false
	}
	return costUSD >= maxUSD
}
