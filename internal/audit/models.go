package audit

import "time"

// Event types recorded in the kill-switch audit trail.
const (
	EventAgentKilled           = "agent_killed"
	EventAgentPaused           = "agent_paused"
	EventAgentRevived          = "agent_revived"
	EventEmergencyStopEnabled  = "emergency_stop_enabled"
	EventEmergencyStopDisabled = "emergency_stop_disabled"
)

// Target types an audit record can point at.
const (
	TargetAgent    = "agent"
	TargetCustomer = "customer"
	TargetSystem   = "system"
)

// Record is a single immutable entry in the kill-switch audit trail. Exactly
// one record is written per effective state transition; attempts that change
// nothing (e.g. killing an already-killed agent) produce no record.
type Record struct {
	ID         string         `json:"id"`
	EventType  string         `json:"event_type"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Actor      string         `json:"actor"`
	Reason     string         `json:"reason"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ListParams filters and paginates audit trail reads.
type ListParams struct {
	EventType  string
	TargetType string
	TargetID   string
	Cursor     string
	Limit      int
}
