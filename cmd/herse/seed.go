package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/audit"
	"github.com/alecgard/herse/internal/config"
	"github.com/alecgard/herse/internal/killswitch"
	"github.com/alecgard/herse/internal/trigger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo agents and default triggers",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

const demoOwner = "team-demo"

var demoTriggers = []trigger.CreateTriggerInput{
	{
		Scope:      trigger.ScopeGlobal,
		Kind:       trigger.KindSpendRate,
		Threshold:  5,
		WindowUnit: trigger.WindowHour,
	},
	{
		Scope:     trigger.ScopeGlobal,
		Kind:      trigger.KindDailySpend,
		Threshold: 100,
	},
	{
		Scope:     trigger.ScopeGlobal,
		Kind:      trigger.KindErrorRate,
		Threshold: 50,
	},
	{
		Scope:     trigger.ScopeGlobal,
		Kind:      trigger.KindDuplicateLoop,
		Threshold: 50,
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	agentStore := agent.NewStore(pool)
	triggerStore := trigger.NewStore(pool)
	auditStore := audit.NewStore(pool)
	stopStore := killswitch.NewStore(pool)
	ks := killswitch.NewService(agentStore, auditStore, nil, killswitch.NewGlobalStop(), stopStore)

	// Check if seed has already run.
	existing, _, err := agentStore.List(ctx, agent.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing agents: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	// One agent per state so the status view has something to show. The
	// paused and killed agents go through the kill-switch service, which
	// also seeds the audit trail.
	limited, err := agentStore.EnsureByExternalID(ctx, "demo-research-agent", demoOwner)
	if err != nil {
		return fmt.Errorf("creating demo-research-agent: %w", err)
	}
	monthlyLimit := 50.0
	if _, err := agentStore.SetMonthlyLimit(ctx, limited.ID, &monthlyLimit); err != nil {
		return fmt.Errorf("setting limit for demo-research-agent: %w", err)
	}
	slog.Info("created agent", "external_id", limited.ExternalID, "monthly_cost_limit", monthlyLimit)

	paused, err := agentStore.EnsureByExternalID(ctx, "demo-support-agent", demoOwner)
	if err != nil {
		return fmt.Errorf("creating demo-support-agent: %w", err)
	}
	until, _, err := ks.PauseAgent(ctx, paused.ID, paused.ExternalID, 60, "seed")
	if err != nil {
		return fmt.Errorf("pausing demo-support-agent: %w", err)
	}
	slog.Info("created agent", "external_id", paused.ExternalID, "pause_until", until)

	killed, err := agentStore.EnsureByExternalID(ctx, "demo-batch-agent", demoOwner)
	if err != nil {
		return fmt.Errorf("creating demo-batch-agent: %w", err)
	}
	if _, err := ks.KillAgent(ctx, killed.ID, killed.ExternalID, "demo: runaway duplicate loop", "seed"); err != nil {
		return fmt.Errorf("killing demo-batch-agent: %w", err)
	}
	slog.Info("created agent", "external_id", killed.ExternalID, "status", "killed")

	for _, in := range demoTriggers {
		t, err := triggerStore.Create(ctx, in)
		if err != nil {
			return fmt.Errorf("creating trigger %s/%s: %w", in.Scope, in.Kind, err)
		}
		slog.Info("created trigger", "id", t.ID, "kind", t.Kind, "threshold", t.Threshold)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Owner:    %s (3 agents: active, paused, killed)\n", demoOwner)
	fmt.Printf("Triggers: %d created\n", len(demoTriggers))
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -s -X POST http://localhost:8090/api/v1/admission/check -H \"Authorization: Bearer $HERSE_SERVICE_KEY\" -d '{\"agent_id\":\"demo-research-agent\",\"cost_amount\":0.25}'\n")
	fmt.Printf("  curl -s http://localhost:8090/api/v1/killswitch/status -H \"Authorization: Bearer $HERSE_ADMIN_KEY\"\n")

	return nil
}
