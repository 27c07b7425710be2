package agent

import "time"

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusKilled Status = "killed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusKilled:
		return true
	}
	return false
}

// Agent is a spend-tracked actor. Rows are created implicitly on the first
// accepted usage event; status transitions go through the killswitch actions.
type Agent struct {
	ID               string     `json:"id"`
	ExternalID       string     `json:"external_id"`
	Owner            string     `json:"owner"`
	Status           Status     `json:"status"`
	MonthlyCostLimit *float64   `json:"monthly_cost_limit,omitempty"`
	PauseUntil       *time.Time `json:"pause_until,omitempty"`
	KillReason       *string    `json:"kill_reason,omitempty"`
	KilledAt         *time.Time `json:"killed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EffectiveStatus is the status an admission check observes at t: a pause
// whose deadline has passed reads as active even before the row self-heals.
func (a *Agent) EffectiveStatus(t time.Time) Status {
	if a.Status == StatusPaused && a.PauseUntil != nil && !a.PauseUntil.After(t) {
		return StatusActive
	}
	return a.Status
}

// HasLimit reports whether a monthly cost ceiling is configured. A nil or
// non-positive limit means unlimited spend.
func (a *Agent) HasLimit() bool {
	return a.MonthlyCostLimit != nil && *a.MonthlyCostLimit > 0
}

// ListParams controls cursor-based pagination for listing agents.
type ListParams struct {
	Owner  string `json:"owner"`
	Status Status `json:"status"`
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
