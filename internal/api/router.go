package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/audit"
	"github.com/alecgard/herse/internal/auth"
	"github.com/alecgard/herse/internal/gate"
	"github.com/alecgard/herse/internal/killswitch"
	"github.com/alecgard/herse/internal/ledger"
	"github.com/alecgard/herse/internal/metrics"
	"github.com/alecgard/herse/internal/spendcache"
	"github.com/alecgard/herse/internal/trigger"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gate         *gate.Gate
	KillSwitch   *killswitch.Service
	AgentStore   *agent.Store
	SpendCache   *spendcache.Cache
	LedgerStore  *ledger.Store
	Recorder     *ledger.Recorder
	TriggerStore *trigger.Store
	AuditStore   *audit.Store
	Metrics      *metrics.Metrics

	ServiceKey     string
	AdminKey       string
	AllowedOrigins []string

	// Health probes. Nil probes are skipped.
	PingDB    func(context.Context) error
	PingRedis func(context.Context) error
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	// A nil *metrics.Metrics must become a nil interface so the consumers'
	// nil checks work.
	var authMetrics auth.MetricsRecorder
	var httpMetrics httpMetricsRecorder
	if deps.Metrics != nil {
		authMetrics = deps.Metrics
		httpMetrics = deps.Metrics
	}

	// Handlers.
	admission := newAdmissionHandler(deps.Gate, deps.AgentStore, deps.KillSwitch)
	usage := newUsageHandler(deps.Gate, deps.AgentStore, deps.SpendCache, deps.Recorder, deps.LedgerStore)
	agents := newAgentsHandler(deps.AgentStore, deps.SpendCache, deps.LedgerStore)
	ks := newKillSwitchHandler(deps.KillSwitch, deps.AgentStore, deps.AuditStore)
	triggers := newTriggersHandler(deps.TriggerStore)

	// Health check.
	r.Get("/healthz", healthHandler(deps.PingDB, deps.PingRedis))

	r.Route("/api/v1", func(v1 chi.Router) {
		// Service surface: the data plane calls these on every request its
		// agents make.
		v1.Group(func(sr chi.Router) {
			sr.Use(auth.ServiceAuthMiddleware(deps.ServiceKey, authMetrics))
			sr.Use(metricsMiddleware("service", httpMetrics))

			sr.Post("/admission/check", admission.Check)
			sr.Post("/usage", usage.RecordUsage)
			sr.Get("/agents/{externalID}/active", admission.AgentActive)
		})

		// Admin surface: operator control plane.
		v1.Group(func(ar chi.Router) {
			ar.Use(auth.AdminAuthMiddleware(deps.AdminKey, authMetrics))
			ar.Use(metricsMiddleware("admin", httpMetrics))

			// Kill-switch actions.
			ar.Post("/killswitch/agents/{externalID}/kill", ks.KillAgent)
			ar.Post("/killswitch/agents/{externalID}/pause", ks.PauseAgent)
			ar.Post("/killswitch/agents/{externalID}/revive", ks.ReviveAgent)
			ar.Post("/killswitch/customers/{owner}/kill", ks.KillCustomerAgents)
			ar.Post("/killswitch/emergency-stop", ks.EnableEmergencyStop)
			ar.Delete("/killswitch/emergency-stop", ks.DisableEmergencyStop)
			ar.Get("/killswitch/status", ks.Status)
			ar.Get("/killswitch/events", ks.ListEvents)

			// Agent directory.
			ar.Get("/agents", agents.ListAgents)
			ar.Get("/agents/{externalID}", agents.GetAgent)
			ar.Get("/agents/{externalID}/spend", agents.GetSpend)

			// Usage queries.
			ar.Get("/usage/summary", usage.GetSummary)
			ar.Get("/usage/events", usage.ListEvents)

			// Trigger management.
			ar.Post("/triggers", triggers.CreateTrigger)
			ar.Get("/triggers", triggers.ListTriggers)
			ar.Get("/triggers/{id}", triggers.GetTrigger)
			ar.Put("/triggers/{id}", triggers.UpdateTrigger)
			ar.Delete("/triggers/{id}", triggers.DeleteTrigger)

			if deps.Metrics != nil {
				ar.Get("/metrics/summary", deps.Metrics.Handler())
			}
		})
	})

	return r
}

// healthHandler pings the backing stores. A database failure reports 503
// because admission cannot run without it. A cache failure stays 200 since
// budget checks fall back to the ledger.
func healthHandler(pingDB, pingRedis func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"status": "ok"}

		if pingDB != nil {
			if err := pingDB(ctx); err != nil {
				body["database"] = "unavailable"
				body["status"] = "degraded"
				status = http.StatusServiceUnavailable
			} else {
				body["database"] = "connected"
			}
		}
		if pingRedis != nil {
			if err := pingRedis(ctx); err != nil {
				body["cache"] = "unavailable"
			} else {
				body["cache"] = "connected"
			}
		}

		writeJSON(w, status, body)
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
