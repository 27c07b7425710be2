package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/api"
	"github.com/alecgard/herse/internal/audit"
	"github.com/alecgard/herse/internal/config"
	"github.com/alecgard/herse/internal/gate"
	"github.com/alecgard/herse/internal/killswitch"
	"github.com/alecgard/herse/internal/ledger"
	"github.com/alecgard/herse/internal/metrics"
	"github.com/alecgard/herse/internal/spendcache"
	"github.com/alecgard/herse/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Herse admission server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return err
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	cache := spendcache.New(rdb)
	// A cold cache is not fatal. The gate falls back to the ledger, so the
	// server starts degraded rather than refusing to start.
	if err := cache.Ping(ctx); err != nil {
		slog.Warn("redis unavailable, spend cache degraded to ledger fallback", "error", err)
	} else {
		slog.Info("connected to redis")
	}

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	agentStore := agent.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	auditStore := audit.NewStore(pool)
	triggerStore := trigger.NewStore(pool)
	stopStore := killswitch.NewStore(pool)

	stop := killswitch.NewGlobalStop()
	// Load the persisted flag before serving any traffic. A restart during an
	// engaged emergency stop must not open an admission window.
	if err := stop.Refresh(ctx, stopStore); err != nil {
		return err
	}
	m.RegisterGlobalStopGauge(stop.Active)
	go stop.RefreshLoop(ctx, stopStore, cfg.GlobalStop.RefreshInterval)

	var stream killswitch.Publisher
	var auditStream *audit.Stream
	if cfg.AuditStream.Enabled {
		auditStream = audit.NewStream(cfg.AuditStream.Brokers, cfg.AuditStream.Topic)
		stream = auditStream
		slog.Info("audit stream enabled", "topic", cfg.AuditStream.Topic)
	}

	killSwitch := killswitch.NewService(agentStore, auditStore, stream, stop, stopStore)
	killSwitch.SetMetrics(m)

	admission := gate.New(stop, agentStore, cache, ledgerStore, killSwitch)
	admission.SetMetrics(m)

	recorder := ledger.NewRecorder(ledgerStore, cfg.Ledger.BatchSize, cfg.Ledger.FlushInterval, cfg.Ledger.MaxBuffer)
	recorder.SetMetrics(m)
	go recorder.Start(ctx)

	if cfg.Evaluator.Enabled {
		evaluator := trigger.NewEvaluator(triggerStore, ledgerStore, killSwitch, trigger.Config{
			Interval:        cfg.Evaluator.Interval,
			MaxConcurrency:  cfg.Evaluator.MaxConcurrency,
			ErrorLookback:   cfg.Evaluator.ErrorRateLookback,
			ErrorMinSamples: cfg.Evaluator.ErrorRateMinSamples,
			DupLookback:     cfg.Evaluator.DuplicateLookback,
		})
		evaluator.SetMetrics(m)
		go evaluator.Run(ctx)
	} else {
		slog.Info("trigger evaluator disabled")
	}

	router := api.NewRouter(api.RouterDeps{
		Gate:           admission,
		KillSwitch:     killSwitch,
		AgentStore:     agentStore,
		SpendCache:     cache,
		LedgerStore:    ledgerStore,
		Recorder:       recorder,
		TriggerStore:   triggerStore,
		AuditStore:     auditStore,
		Metrics:        m,
		ServiceKey:     cfg.Auth.ServiceKey,
		AdminKey:       cfg.Auth.AdminKey,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		PingDB:         pool.Ping,
		PingRedis:      cache.Ping,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}

	// In-flight requests have drained; flush buffered usage before exit.
	recorder.Stop()

	if auditStream != nil {
		if err := auditStream.Close(); err != nil {
			slog.Error("closing audit stream", "error", err)
		}
	}

	return nil
}
