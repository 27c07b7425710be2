package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/killswitch"
	"github.com/alecgard/herse/internal/spendcache"
)

// budgetActor is the actor recorded when the gate kills an agent that
// breached its monthly limit.
const budgetActor = "admission-gate"

// Code identifies why admission was denied.
type Code string

const (
	CodeGlobalStopped       Code = "GLOBAL_STOPPED"
	CodeAgentKilled         Code = "AGENT_KILLED"
	CodeAgentPaused         Code = "AGENT_PAUSED"
	CodeBudgetLimitExceeded Code = "BUDGET_LIMIT_EXCEEDED"
	CodeMissingAgentID      Code = "MISSING_AGENT_ID"
)

// CheckRequest carries the inputs for one admission decision. AgentID is the
// caller-facing external identifier, not the internal row ID.
type CheckRequest struct {
	AgentID    string
	Owner      string
	CostAmount float64
}

// Decision is the outcome of an admission check. Denials are expected,
// policy-driven outcomes and always carry a machine-readable code; they are
// never reported as errors.
type Decision struct {
	Allowed bool
	Code    Code
	Message string
	Details map[string]any

	// Agent is the state snapshot the decision was made against. It is nil
	// for unknown agents, which are allowed and created downstream.
	Agent *agent.Agent
}

// AgentStore is the subset of agent store operations the gate needs.
type AgentStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*agent.Agent, error)
	GetByID(ctx context.Context, id string) (*agent.Agent, error)
	ClearExpiredPause(ctx context.Context, id string, asOf time.Time) (bool, error)
}

// SpendCache is the fast per-period spend aggregate. It is not authoritative;
// the gate falls back to the ledger when it is cold or unavailable.
type SpendCache interface {
	Get(ctx context.Context, agentID string, period spendcache.Period) (float64, bool, error)
	Backfill(ctx context.Context, agentID string, period spendcache.Period, total float64) (float64, error)
}

// LedgerReader aggregates authoritative period spend from the usage ledger.
type LedgerReader interface {
	PeriodCost(ctx context.Context, agentID string, since time.Time) (float64, error)
}

// Killer executes the kill action when an agent breaches its limit.
type Killer interface {
	KillAgent(ctx context.Context, agentID, externalID, reason, actor string) (bool, error)
}

// StopReader reports the emergency-stop flag.
type StopReader interface {
	Active() bool
	State() killswitch.StopState
}

// MetricsRecorder is an optional interface for recording admission metrics.
type MetricsRecorder interface {
	IncAdmissionDecision(decision, code string)
	ObserveAdmissionDuration(seconds float64)
	IncSpendCacheOp(op, result string)
}

// Gate decides whether a spend-incurring request may proceed. Checks run in
// a fixed order: global stop, agent state, then budget. The caller records
// the usage event and increments the spend cache only after an allow.
type Gate struct {
	stop    StopReader
	agents  AgentStore
	cache   SpendCache
	ledger  LedgerReader
	killer  Killer
	metrics MetricsRecorder

	now func() time.Time // injectable clock for testing
}

// New creates a Gate.
func New(stop StopReader, agents AgentStore, cache SpendCache, ledger LedgerReader, killer Killer) *Gate {
	return &Gate{
		stop:   stop,
		agents: agents,
		cache:  cache,
		ledger: ledger,
		killer: killer,
		now:    time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (g *Gate) SetMetrics(m MetricsRecorder) {
	g.metrics = m
}

// Check runs the admission decision for one request. A returned error means
// the decision could not be made (infrastructure failure) and the request
// should be retried; it never means "denied".
func (g *Gate) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	start := time.Now()
	dec, err := g.evaluate(ctx, req)
	if g.metrics != nil {
		g.metrics.ObserveAdmissionDuration(time.Since(start).Seconds())
		switch {
		case err != nil:
			g.metrics.IncAdmissionDecision("error", "")
		case dec.Allowed:
			g.metrics.IncAdmissionDecision("allow", "")
		default:
			g.metrics.IncAdmissionDecision("deny", string(dec.Code))
		}
	}
	return dec, err
}

func (g *Gate) evaluate(ctx context.Context, req CheckRequest) (*Decision, error) {
	now := g.now()

	// 1. Global stop overrides everything, including per-agent state.
	if g.stop.Active() {
		state := g.stop.State()
		return &Decision{
			Code:    CodeGlobalStopped,
			Message: "emergency stop is engaged",
			Details: map[string]any{"reason": state.Reason, "since": state.UpdatedAt},
		}, nil
	}

	if req.AgentID == "" {
		return &Decision{
			Code:    CodeMissingAgentID,
			Message: "agent_id is required",
		}, nil
	}

	// 2. Agent state. Unknown agents are allowed: creation is deferred to
	// the usage-recording path, and an agent with no row has no limit and
	// no kill to enforce.
	ag, err := g.agents.GetByExternalID(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &Decision{Allowed: true}, nil
		}
		return nil, fmt.Errorf("loading agent %s: %w", req.AgentID, err)
	}

	ag, denied := g.checkState(ctx, ag, now)
	if denied != nil {
		return denied, nil
	}

	// 3. Budget, only for agents with a configured monthly limit.
	if !ag.HasLimit() {
		return &Decision{Allowed: true, Agent: ag}, nil
	}
	return g.checkBudget(ctx, ag, req.CostAmount, now)
}

// checkState applies the kill/pause checks, lazily healing an expired pause.
// An expired pause reads as active even if the healing write fails; the next
// check retries it. Healing is the one transition that is not audited.
func (g *Gate) checkState(ctx context.Context, ag *agent.Agent, now time.Time) (*agent.Agent, *Decision) {
	for attempt := 0; ; attempt++ {
		switch ag.Status {
		case agent.StatusKilled:
			details := map[string]any{}
			if ag.KillReason != nil {
				details["kill_reason"] = *ag.KillReason
			}
			return ag, &Decision{
				Code:    CodeAgentKilled,
				Message: "agent has been killed",
				Details: details,
				Agent:   ag,
			}

		case agent.StatusPaused:
			if ag.PauseUntil != nil && ag.PauseUntil.After(now) {
				return ag, &Decision{
					Code:    CodeAgentPaused,
					Message: "agent is paused",
					Details: map[string]any{"pause_until": *ag.PauseUntil},
					Agent:   ag,
				}
			}
			if attempt > 0 {
				return healedSnapshot(ag), nil
			}
			cleared, err := g.agents.ClearExpiredPause(ctx, ag.ID, now)
			if err != nil {
				slog.Warn("healing expired pause", "agent_id", ag.ExternalID, "error", err)
				return healedSnapshot(ag), nil
			}
			if cleared {
				return healedSnapshot(ag), nil
			}
			// Lost a race with a concurrent transition; decide on the
			// fresh state.
			fresh, err := g.agents.GetByID(ctx, ag.ID)
			if err != nil {
				return healedSnapshot(ag), nil
			}
			ag = fresh

		default:
			return ag, nil
		}
	}
}

// healedSnapshot copies ag with its expired pause cleared so the decision
// reflects the effective state even when the healing write lags or fails.
func healedSnapshot(ag *agent.Agent) *agent.Agent {
	healed := *ag
	healed.Status = agent.StatusActive
	healed.PauseUntil = nil
	return &healed
}

// checkBudget compares projected period spend against the agent's monthly
// limit. On a breach the agent is killed so later requests fail fast on
// state alone, and the request is denied with the spend arithmetic attached.
func (g *Gate) checkBudget(ctx context.Context, ag *agent.Agent, cost float64, now time.Time) (*Decision, error) {
	limit := *ag.MonthlyCostLimit
	period := spendcache.MonthOf(now)

	spend, err := g.periodSpend(ctx, ag.ID, period)
	if err != nil {
		// Never silently allow unbounded spend: fail the single request as
		// retryable instead.
		return nil, err
	}

	projected := spend + cost
	if projected > limit {
		reason := fmt.Sprintf("monthly cost limit exceeded: current %.4f + requested %.4f > limit %.2f",
			spend, cost, limit)
		if _, err := g.killer.KillAgent(ctx, ag.ID, ag.ExternalID, reason, budgetActor); err != nil {
			slog.Error("killing agent over budget", "agent_id", ag.ExternalID, "error", err)
		}
		return &Decision{
			Code:    CodeBudgetLimitExceeded,
			Message: "monthly cost limit exceeded",
			Details: map[string]any{
				"current_spend": spend,
				"requested":     cost,
				"limit":         limit,
			},
			Agent: ag,
		}, nil
	}

	return &Decision{
		Allowed: true,
		Agent:   ag,
		Details: map[string]any{
			"current_spend": spend,
			"limit":         limit,
		},
	}, nil
}

// periodSpend reads the cached period total, falling back to a ledger
// aggregate when the cache is cold or unreachable. A cold cache is seeded
// with the aggregate so zero-spend agents are not re-aggregated every check:
// a backfilled zero is a known zero, not a miss.
func (g *Gate) periodSpend(ctx context.Context, agentID string, period spendcache.Period) (float64, error) {
	cached, found, err := g.cache.Get(ctx, agentID, period)
	if err == nil && found {
		g.recordCacheOp("get", "hit")
		return cached, nil
	}

	if err != nil {
		g.recordCacheOp("get", "error")
		slog.Warn("spend cache unavailable, using ledger", "agent_id", agentID, "error", err)
		total, lerr := g.ledger.PeriodCost(ctx, agentID, period.Start())
		if lerr != nil {
			return 0, fmt.Errorf("aggregating period spend: %w", lerr)
		}
		return total, nil
	}

	g.recordCacheOp("get", "miss")
	total, lerr := g.ledger.PeriodCost(ctx, agentID, period.Start())
	if lerr != nil {
		return 0, fmt.Errorf("aggregating period spend: %w", lerr)
	}

	seeded, berr := g.cache.Backfill(ctx, agentID, period, total)
	if berr != nil {
		g.recordCacheOp("backfill", "error")
		slog.Warn("backfilling spend cache", "agent_id", agentID, "error", berr)
		return total, nil
	}
	g.recordCacheOp("backfill", "ok")
	return seeded, nil
}

func (g *Gate) recordCacheOp(op, result string) {
	if g.metrics != nil {
		g.metrics.IncSpendCacheOp(op, result)
	}
}
