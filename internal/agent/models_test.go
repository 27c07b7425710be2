package agent

import (
	"testing"
	"time"
)

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(30 * time.Minute)

	tests := []struct {
		name  string
		agent Agent
		want  Status
	}{
		{"active stays active", Agent{Status: StatusActive}, StatusActive},
		{"killed stays killed", Agent{Status: StatusKilled}, StatusKilled},
		{"paused with future deadline", Agent{Status: StatusPaused, PauseUntil: &future}, StatusPaused},
		{"paused with elapsed deadline", Agent{Status: StatusPaused, PauseUntil: &past}, StatusActive},
		{"paused exactly at deadline", Agent{Status: StatusPaused, PauseUntil: &now}, StatusActive},
		{"paused without deadline", Agent{Status: StatusPaused}, StatusPaused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.agent.EffectiveStatus(now); got != tt.want {
				t.Errorf("EffectiveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasLimit(t *testing.T) {
	limit := 10.0
	zero := 0.0

	tests := []struct {
		name  string
		agent Agent
		want  bool
	}{
		{"limit set", Agent{MonthlyCostLimit: &limit}, true},
		{"no limit", Agent{}, false},
		{"zero limit means unlimited", Agent{MonthlyCostLimit: &zero}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.agent.HasLimit(); got != tt.want {
				t.Errorf("HasLimit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusPaused, StatusKilled} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if Status("zombie").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}
