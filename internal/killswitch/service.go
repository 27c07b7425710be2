package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/audit"
)

// Pause durations accepted by PauseAgent, in minutes.
const (
	MinPauseMinutes = 1
	MaxPauseMinutes = 10080 // 7 days
)

var (
	// ErrConfirmationRequired is returned when an emergency stop is requested
	// without the explicit confirmation flag.
	ErrConfirmationRequired = errors.New("emergency stop requires explicit confirmation")

	// ErrPauseOutOfRange is returned when a pause duration falls outside the
	// accepted range.
	ErrPauseOutOfRange = fmt.Errorf("pause duration must be between %d and %d minutes", MinPauseMinutes, MaxPauseMinutes)
)

// AgentStore is the subset of agent store operations the service needs.
type AgentStore interface {
	Kill(ctx context.Context, id, reason string, at time.Time) (bool, error)
	Pause(ctx context.Context, id string, until time.Time) (bool, error)
	Revive(ctx context.Context, id string) (bool, error)
	KillAllNonKilled(ctx context.Context, reason string, at time.Time) (int64, error)
	KillByOwner(ctx context.Context, owner, reason string, at time.Time) ([]*agent.Agent, error)
}

// AuditStore appends records to the durable audit trail.
type AuditStore interface {
	Append(ctx context.Context, rec audit.Record) (*audit.Record, error)
}

// Publisher streams saved audit records to external consumers.
type Publisher interface {
	Publish(ctx context.Context, rec *audit.Record)
}

// StopStore is the persisted side of the global-stop flag.
type StopStore interface {
	Get(ctx context.Context) (*StopState, error)
	Set(ctx context.Context, active bool, reason, actor string) (bool, error)
}

// MetricsRecorder is an optional interface for recording kill-switch metrics.
type MetricsRecorder interface {
	IncKillSwitchAction(action, outcome string)
}

// Service executes kill-switch actions. Each action is a conditional state
// transition followed by an audit record; a transition that changes nothing
// writes no audit record and is reported to the caller as a no-op, never as
// an error.
type Service struct {
	agents    AgentStore
	auditor   AuditStore
	stream    Publisher
	stop      *GlobalStop
	stopStore StopStore
	metrics   MetricsRecorder

	now func() time.Time // injectable clock for testing
}

// NewService creates a Service. stream may be nil when audit streaming is
// disabled.
func NewService(agents AgentStore, auditor AuditStore, stream Publisher, stop *GlobalStop, stopStore StopStore) *Service {
	return &Service{
		agents:    agents,
		auditor:   auditor,
		stream:    stream,
		stop:      stop,
		stopStore: stopStore,
		now:       time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// GlobalStopState returns the in-memory view of the emergency-stop flag.
func (s *Service) GlobalStopState() StopState {
	return s.stop.State()
}

// KillAgent transitions an agent to killed. Killing an agent that is already
// killed returns (false, nil): the desired end state holds, so concurrent or
// repeated kills are not errors.
func (s *Service) KillAgent(ctx context.Context, agentID, externalID, reason, actor string) (bool, error) {
	killed, err := s.agents.Kill(ctx, agentID, reason, s.now())
	if err != nil {
		s.recordAction("kill", "error")
		return false, fmt.Errorf("killing agent %s: %w", externalID, err)
	}
	if !killed {
		s.recordAction("kill", "noop")
		return false, nil
	}

	s.audit(ctx, audit.Record{
		EventType:  audit.EventAgentKilled,
		TargetType: audit.TargetAgent,
		TargetID:   externalID,
		Actor:      actor,
		Reason:     reason,
		Metadata:   map[string]any{"agent_id": agentID},
	})
	s.recordAction("kill", "applied")
	return true, nil
}

// PauseAgent suspends an active agent until now + minutes. Only active agents
// can be paused; pausing a paused or killed agent returns (zero, false, nil).
func (s *Service) PauseAgent(ctx context.Context, agentID, externalID string, minutes int, actor string) (time.Time, bool, error) {
	if minutes < MinPauseMinutes || minutes > MaxPauseMinutes {
		return time.Time{}, false, ErrPauseOutOfRange
	}

	until := s.now().Add(time.Duration(minutes) * time.Minute)
	paused, err := s.agents.Pause(ctx, agentID, until)
	if err != nil {
		s.recordAction("pause", "error")
		return time.Time{}, false, fmt.Errorf("pausing agent %s: %w", externalID, err)
	}
	if !paused {
		s.recordAction("pause", "noop")
		return time.Time{}, false, nil
	}

	s.audit(ctx, audit.Record{
		EventType:  audit.EventAgentPaused,
		TargetType: audit.TargetAgent,
		TargetID:   externalID,
		Actor:      actor,
		Metadata: map[string]any{
			"agent_id":    agentID,
			"minutes":     minutes,
			"pause_until": until,
		},
	})
	s.recordAction("pause", "applied")
	return until, true, nil
}

// ReviveAgent returns a killed agent to active. Revive is the only path out
// of the killed state; reviving a non-killed agent returns (false, nil).
func (s *Service) ReviveAgent(ctx context.Context, agentID, externalID, actor string) (bool, error) {
	revived, err := s.agents.Revive(ctx, agentID)
	if err != nil {
		s.recordAction("revive", "error")
		return false, fmt.Errorf("reviving agent %s: %w", externalID, err)
	}
	if !revived {
		s.recordAction("revive", "noop")
		return false, nil
	}

	s.audit(ctx, audit.Record{
		EventType:  audit.EventAgentRevived,
		TargetType: audit.TargetAgent,
		TargetID:   externalID,
		Actor:      actor,
		Metadata:   map[string]any{"agent_id": agentID},
	})
	s.recordAction("revive", "applied")
	return true, nil
}

// KillCustomerAgents kills every non-killed agent belonging to owner and
// writes one audit record per agent actually transitioned. It returns the
// number of agents killed; zero is not an error.
func (s *Service) KillCustomerAgents(ctx context.Context, owner, reason, actor string) (int, error) {
	killed, err := s.agents.KillByOwner(ctx, owner, reason, s.now())
	if err != nil {
		s.recordAction("customer_kill", "error")
		return 0, fmt.Errorf("killing agents for owner %s: %w", owner, err)
	}

	for _, ag := range killed {
		s.audit(ctx, audit.Record{
			EventType:  audit.EventAgentKilled,
			TargetType: audit.TargetAgent,
			TargetID:   ag.ExternalID,
			Actor:      actor,
			Reason:     reason,
			Metadata:   map[string]any{"agent_id": ag.ID, "owner": owner},
		})
	}

	if len(killed) == 0 {
		s.recordAction("customer_kill", "noop")
	} else {
		s.recordAction("customer_kill", "applied")
	}
	return len(killed), nil
}

// EnableEmergencyStop engages the global stop and kills every non-killed
// agent. The confirmation flag must be set; this is the most destructive
// action in the system. The stop flag is raised before the bulk kill so new
// work is refused immediately. One system-scope audit record covers the whole
// action; the bulk kill does not emit per-agent records.
func (s *Service) EnableEmergencyStop(ctx context.Context, reason, actor string, confirmed bool) (int64, error) {
	if !confirmed {
		return 0, ErrConfirmationRequired
	}
	if reason == "" {
		reason = "emergency stop"
	}

	changed, err := s.stopStore.Set(ctx, true, reason, actor)
	if err != nil {
		s.recordAction("emergency_stop_enable", "error")
		return 0, fmt.Errorf("engaging global stop: %w", err)
	}
	s.refreshStop(ctx)

	killed, err := s.agents.KillAllNonKilled(ctx, reason, s.now())
	if err != nil {
		// The stop flag is already up, so admission is blocked even though
		// the bulk kill failed part way.
		s.recordAction("emergency_stop_enable", "error")
		return 0, fmt.Errorf("killing agents for emergency stop: %w", err)
	}

	if changed || killed > 0 {
		s.audit(ctx, audit.Record{
			EventType:  audit.EventEmergencyStopEnabled,
			TargetType: audit.TargetSystem,
			Actor:      actor,
			Reason:     reason,
			Metadata:   map[string]any{"agents_killed": killed},
		})
		s.recordAction("emergency_stop_enable", "applied")
	} else {
		s.recordAction("emergency_stop_enable", "noop")
	}
	return killed, nil
}

// DisableEmergencyStop clears the global stop. Agents killed while the stop
// was engaged stay killed until individually revived.
func (s *Service) DisableEmergencyStop(ctx context.Context, actor string) (bool, error) {
	changed, err := s.stopStore.Set(ctx, false, "", actor)
	if err != nil {
		s.recordAction("emergency_stop_disable", "error")
		return false, fmt.Errorf("disengaging global stop: %w", err)
	}
	s.refreshStop(ctx)

	if !changed {
		s.recordAction("emergency_stop_disable", "noop")
		return false, nil
	}

	s.audit(ctx, audit.Record{
		EventType:  audit.EventEmergencyStopDisabled,
		TargetType: audit.TargetSystem,
		Actor:      actor,
	})
	s.recordAction("emergency_stop_disable", "applied")
	return true, nil
}

// refreshStop reloads the in-memory stop view from the store so it reflects
// what was actually persisted.
func (s *Service) refreshStop(ctx context.Context) {
	state, err := s.stopStore.Get(ctx)
	if err != nil {
		slog.Error("reloading global stop state", "error", err)
		return
	}
	s.stop.set(*state)
}

// audit appends one record for an effective transition. Append failures are
// logged loudly but do not undo the transition: the agent table is the source
// of truth and the transition has already committed.
func (s *Service) audit(ctx context.Context, rec audit.Record) {
	saved, err := s.auditor.Append(ctx, rec)
	if err != nil {
		slog.Error("audit record lost for applied transition",
			"error", err,
			"event_type", rec.EventType,
			"target_type", rec.TargetType,
			"target_id", rec.TargetID)
		s.recordAction("audit_append", "error")
		return
	}
	if s.stream != nil {
		s.stream.Publish(ctx, saved)
	}
}

func (s *Service) recordAction(action, outcome string) {
	if s.metrics != nil {
		s.metrics.IncKillSwitchAction(action, outcome)
	}
}
