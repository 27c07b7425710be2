package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/herse/internal/ledger"
)

// evaluatorActor is the actor recorded on kills issued by the evaluator.
const evaluatorActor = "trigger-evaluator"

// TriggerStore lists the triggers to evaluate each tick.
type TriggerStore interface {
	ListActive(ctx context.Context) ([]*Trigger, error)
}

// LedgerScanner is the subset of ledger aggregation queries the evaluator
// needs.
type LedgerScanner interface {
	CostByAgent(ctx context.Context, since time.Time, filter ledger.ScopeFilter) ([]ledger.AgentCost, error)
	ErrorSamplesByAgent(ctx context.Context, since time.Time, minSamples int, filter ledger.ScopeFilter) ([]ledger.AgentErrorSample, error)
	DuplicateSignatureCounts(ctx context.Context, since time.Time, minCount int64, filter ledger.ScopeFilter) ([]ledger.SignatureGroup, error)
}

// Killer executes the kill action on agents that violate a trigger.
type Killer interface {
	KillAgent(ctx context.Context, agentID, externalID, reason, actor string) (bool, error)
}

// MetricsRecorder is an optional interface for recording evaluator metrics.
type MetricsRecorder interface {
	IncEvaluatorTick(result string)
	ObserveEvaluatorTickDuration(seconds float64)
	IncEvaluatorKill(kind string)
}

// Config bounds the evaluator's scan behavior. Zero values fall back to
// defaults.
type Config struct {
	Interval        time.Duration
	MaxConcurrency  int
	ErrorLookback   time.Duration
	ErrorMinSamples int
	DupLookback     time.Duration
}

// Evaluator periodically scans the ledger for trigger violations and kills
// violating agents. It is a best-effort safety net behind the admission gate:
// detection latency of up to one interval is acceptable, and it carries no
// state across ticks, so restarts are safe.
type Evaluator struct {
	triggers TriggerStore
	ledger   LedgerScanner
	killer   Killer
	metrics  MetricsRecorder

	interval        time.Duration
	maxConcurrency  int
	errorLookback   time.Duration
	errorMinSamples int
	dupLookback     time.Duration

	ticking atomic.Bool

	now func() time.Time // injectable clock for testing
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(triggers TriggerStore, lg LedgerScanner, killer Killer, cfg Config) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ErrorLookback <= 0 {
		cfg.ErrorLookback = 15 * time.Minute
	}
	if cfg.ErrorMinSamples <= 0 {
		cfg.ErrorMinSamples = 10
	}
	if cfg.DupLookback <= 0 {
		cfg.DupLookback = 10 * time.Minute
	}

	return &Evaluator{
		triggers:        triggers,
		ledger:          lg,
		killer:          killer,
		interval:        cfg.Interval,
		maxConcurrency:  cfg.MaxConcurrency,
		errorLookback:   cfg.ErrorLookback,
		errorMinSamples: cfg.ErrorMinSamples,
		dupLookback:     cfg.DupLookback,
		now:             time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (e *Evaluator) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// Run ticks on a fixed interval until ctx is cancelled. Ticks never overlap:
// when a tick is still running as the next fires, the next is skipped, not
// queued.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("trigger evaluator started", "interval", e.interval)

	for {
		select {
		case <-ticker.C:
			if !e.ticking.CompareAndSwap(false, true) {
				slog.Warn("previous evaluator tick still running, skipping")
				e.recordTick("skipped")
				continue
			}
			go func() {
				defer e.ticking.Store(false)
				e.Tick(ctx)
			}()
		case <-ctx.Done():
			slog.Info("trigger evaluator stopped")
			return
		}
	}
}

// Tick evaluates every active trigger once. Trigger evaluations run
// concurrently up to the configured bound; a failure in one never aborts the
// others.
func (e *Evaluator) Tick(ctx context.Context) {
	start := time.Now()

	trigs, err := e.triggers.ListActive(ctx)
	if err != nil {
		slog.Error("listing active triggers", "error", err)
		e.recordTick("error")
		return
	}

	now := e.now()

	var g errgroup.Group
	g.SetLimit(e.maxConcurrency)
	for _, t := range trigs {
		t := t // per-iteration copy; required under go <= 1.21 loop semantics
		g.Go(func() error {
			if err := e.evaluateTrigger(ctx, t, now); err != nil {
				slog.Error("evaluating trigger",
					"trigger_id", t.ID,
					"kind", t.Kind,
					"scope", t.Scope,
					"error", err)
			}
			return nil // collect every trigger's outcome independently
		})
	}
	g.Wait()

	e.recordTick("ok")
	if e.metrics != nil {
		e.metrics.ObserveEvaluatorTickDuration(time.Since(start).Seconds())
	}
}

func (e *Evaluator) evaluateTrigger(ctx context.Context, t *Trigger, now time.Time) error {
	switch t.Kind {
	case KindSpendRate:
		since := now.Add(-windowDuration(t.WindowUnit))
		return e.evaluateSpend(ctx, t, since)
	case KindDailySpend:
		// Calendar day, not a sliding 24h window.
		day := now.UTC()
		since := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		return e.evaluateSpend(ctx, t, since)
	case KindErrorRate:
		return e.evaluateErrorRate(ctx, t, now)
	case KindDuplicateLoop:
		return e.evaluateDuplicates(ctx, t, now)
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

func (e *Evaluator) evaluateSpend(ctx context.Context, t *Trigger, since time.Time) error {
	costs, err := e.ledger.CostByAgent(ctx, since, scopeFilter(t))
	if err != nil {
		return fmt.Errorf("aggregating spend: %w", err)
	}

	for _, c := range costs {
		if c.Total > t.Threshold {
			reason := fmt.Sprintf("%s trigger: spend %.4f exceeds threshold %.2f since %s",
				t.Kind, c.Total, t.Threshold, since.Format(time.RFC3339))
			e.kill(ctx, t, c.AgentID, c.ExternalID, reason)
		}
	}
	return nil
}

func (e *Evaluator) evaluateErrorRate(ctx context.Context, t *Trigger, now time.Time) error {
	since := now.Add(-e.errorLookback)
	samples, err := e.ledger.ErrorSamplesByAgent(ctx, since, e.errorMinSamples, scopeFilter(t))
	if err != nil {
		return fmt.Errorf("aggregating error rates: %w", err)
	}

	for _, s := range samples {
		if rate := s.Rate(); rate > t.Threshold {
			reason := fmt.Sprintf("error_rate trigger: %.1f%% errors (%d of %d) exceeds threshold %.1f%% over last %s",
				rate, s.Errors, s.Total, t.Threshold, e.errorLookback)
			e.kill(ctx, t, s.AgentID, s.ExternalID, reason)
		}
	}
	return nil
}

func (e *Evaluator) evaluateDuplicates(ctx context.Context, t *Trigger, now time.Time) error {
	minCount := int64(math.Ceil(t.Threshold))
	since := now.Add(-e.dupLookback)

	groups, err := e.ledger.DuplicateSignatureCounts(ctx, since, minCount, scopeFilter(t))
	if err != nil {
		return fmt.Errorf("counting duplicate signatures: %w", err)
	}

	for _, grp := range groups {
		reason := fmt.Sprintf("duplicate_loop trigger: %d identical requests in last %s (threshold %d)",
			grp.Count, e.dupLookback, minCount)
		e.kill(ctx, t, grp.AgentID, grp.ExternalID, reason)
	}
	return nil
}

// kill invokes the kill action. A kill that loses to a concurrent transition
// is a logged no-op, not a failure.
func (e *Evaluator) kill(ctx context.Context, t *Trigger, agentID, externalID, reason string) {
	killed, err := e.killer.KillAgent(ctx, agentID, externalID, reason, evaluatorActor)
	if err != nil {
		slog.Error("trigger kill failed", "trigger_id", t.ID, "agent_id", externalID, "error", err)
		return
	}
	if !killed {
		slog.Info("agent already killed", "trigger_id", t.ID, "agent_id", externalID)
		return
	}

	slog.Info("trigger killed agent",
		"trigger_id", t.ID,
		"kind", t.Kind,
		"agent_id", externalID,
		"reason", reason)
	if e.metrics != nil {
		e.metrics.IncEvaluatorKill(string(t.Kind))
	}
}

func (e *Evaluator) recordTick(result string) {
	if e.metrics != nil {
		e.metrics.IncEvaluatorTick(result)
	}
}

func scopeFilter(t *Trigger) ledger.ScopeFilter {
	switch t.Scope {
	case ScopeCustomer:
		return ledger.ScopeFilter{Owner: t.ScopeID}
	case ScopeAgent:
		return ledger.ScopeFilter{AgentExternalID: t.ScopeID}
	default:
		return ledger.ScopeFilter{}
	}
}

func windowDuration(unit WindowUnit) time.Duration {
	switch unit {
	case WindowMinute:
		return time.Minute
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}
