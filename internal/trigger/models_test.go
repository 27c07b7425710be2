package trigger

import (
	"testing"
	"time"
)

func TestScopeValid(t *testing.T) {
	tests := []struct {
		scope Scope
		want  bool
	}{
		{ScopeGlobal, true},
		{ScopeCustomer, true},
		{ScopeAgent, true},
		{Scope("tenant"), false},
		{Scope(""), false},
	}

	for _, tt := range tests {
		if got := tt.scope.Valid(); got != tt.want {
			t.Errorf("Scope(%q).Valid() = %v, want %v", tt.scope, got, tt.want)
		}
	}
}

func TestKindValid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindSpendRate, true},
		{KindDailySpend, true},
		{KindErrorRate, true},
		{KindDuplicateLoop, true},
		{Kind("token_rate"), false},
		{Kind(""), false},
	}

	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestWindowUnitValid(t *testing.T) {
	tests := []struct {
		unit WindowUnit
		want bool
	}{
		{WindowMinute, true},
		{WindowHour, true},
		{WindowDay, true},
		{WindowUnit("week"), false},
	}

	for _, tt := range tests {
		if got := tt.unit.Valid(); got != tt.want {
			t.Errorf("WindowUnit(%q).Valid() = %v, want %v", tt.unit, got, tt.want)
		}
	}
}

func TestWindowDuration(t *testing.T) {
	tests := []struct {
		unit WindowUnit
		want time.Duration
	}{
		{WindowMinute, time.Minute},
		{WindowHour, time.Hour},
		{WindowDay, 24 * time.Hour},
		{WindowUnit(""), time.Hour}, // unset falls back to an hour
	}

	for _, tt := range tests {
		if got := windowDuration(tt.unit); got != tt.want {
			t.Errorf("windowDuration(%q) = %v, want %v", tt.unit, got, tt.want)
		}
	}
}
