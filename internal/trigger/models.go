package trigger

import "time"

// Scope selects which agents a trigger watches.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeCustomer Scope = "customer"
	ScopeAgent    Scope = "agent"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeCustomer, ScopeAgent:
		return true
	}
	return false
}

// Kind is the rule a trigger evaluates.
type Kind string

const (
	KindSpendRate     Kind = "spend_rate"
	KindDailySpend    Kind = "daily_spend"
	KindErrorRate     Kind = "error_rate"
	KindDuplicateLoop Kind = "duplicate_loop"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSpendRate, KindDailySpend, KindErrorRate, KindDuplicateLoop:
		return true
	}
	return false
}

// WindowUnit sizes the sliding window for spend_rate triggers.
type WindowUnit string

const (
	WindowMinute WindowUnit = "minute"
	WindowHour   WindowUnit = "hour"
	WindowDay    WindowUnit = "day"
)

// Valid reports whether w is a known window unit.
func (w WindowUnit) Valid() bool {
	switch w {
	case WindowMinute, WindowHour, WindowDay:
		return true
	}
	return false
}

// Trigger is an operator-managed rule that kills agents when its condition
// holds over a time window. Thresholds are dollars for spend kinds, a
// percentage (0-100) for error_rate, and a repetition count for
// duplicate_loop.
type Trigger struct {
	ID         string     `json:"id"`
	Scope      Scope      `json:"scope"`
	ScopeID    string     `json:"scope_id,omitempty"`
	Kind       Kind       `json:"kind"`
	Threshold  float64    `json:"threshold"`
	WindowUnit WindowUnit `json:"window_unit"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CreateTriggerInput contains the fields for creating a trigger.
type CreateTriggerInput struct {
	Scope      Scope      `json:"scope"`
	ScopeID    string     `json:"scope_id"`
	Kind       Kind       `json:"kind"`
	Threshold  float64    `json:"threshold"`
	WindowUnit WindowUnit `json:"window_unit"`
	Active     *bool      `json:"active"`
}

// UpdateTriggerInput contains optional fields for updating a trigger. Nil
// fields are left unchanged.
type UpdateTriggerInput struct {
	Scope      *Scope      `json:"scope"`
	ScopeID    *string     `json:"scope_id"`
	Kind       *Kind       `json:"kind"`
	Threshold  *float64    `json:"threshold"`
	WindowUnit *WindowUnit `json:"window_unit"`
	Active     *bool       `json:"active"`
}
