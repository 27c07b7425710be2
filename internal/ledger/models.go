package ledger

import "time"

// UsageEvent is one immutable spend record. Events are append-only and form
// the authoritative ledger; the spend cache is only a projection of their sums.
type UsageEvent struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	OccurredAt       time.Time `json:"occurred_at"`
	CostAmount       float64   `json:"cost_amount"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	Model            string    `json:"model"`
	RequestSignature string    `json:"request_signature"`
	ErrorCode        string    `json:"error_code"` // "" = success
	CreatedAt        time.Time `json:"created_at"`
}

// Failed reports whether the event recorded an upstream error.
func (e *UsageEvent) Failed() bool {
	return e.ErrorCode != ""
}

// UsageSummary holds aggregate metrics for a set of usage events.
type UsageSummary struct {
	TotalEvents  int64   `json:"total_events"`
	TotalCost    float64 `json:"total_cost"`
	ErrorCount   int64   `json:"error_count"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// UsageQuery defines filters and pagination for querying usage events.
type UsageQuery struct {
	AgentID         string    `json:"agent_id,omitempty"`
	AgentExternalID string    `json:"agent_external_id,omitempty"`
	Owner           string    `json:"owner,omitempty"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Cursor          string    `json:"cursor,omitempty"`
	Limit           int       `json:"limit"`
}

// ScopeFilter narrows evaluator aggregations to one customer's agents or a
// single agent. The zero value covers every agent.
type ScopeFilter struct {
	Owner           string
	AgentExternalID string
}

// AgentCost is a per-agent cost aggregate over a window.
type AgentCost struct {
	AgentID    string
	ExternalID string
	Total      float64
}

// AgentErrorSample is a per-agent event/error count over a window.
type AgentErrorSample struct {
	AgentID    string
	ExternalID string
	Total      int64
	Errors     int64
}

// Rate returns the error percentage in 0..100.
func (s AgentErrorSample) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Total) * 100
}

// SignatureGroup counts repetitions of one request signature by one agent
// over a window.
type SignatureGroup struct {
	AgentID    string
	ExternalID string
	Signature  string
	Count      int64
}
