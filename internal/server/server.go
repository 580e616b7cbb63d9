package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/articleforge/articleforge/config"
	"github.com/articleforge/articleforge/internal/audit"
	"github.com/articleforge/articleforge/internal/budget"
	"github.com/articleforge/articleforge/internal/ledger"
	"github.com/articleforge/articleforge/internal/pipeline"
	"github.com/articleforge/articleforge/internal/queue/streams"
	"github.com/articleforge/articleforge/internal/ratelimit"
	"github.com/articleforge/articleforge/internal/registry"
	"github.com/articleforge/articleforge/internal/runtime"
	"github.com/articleforge/articleforge/internal/secrets"
	"github.com/articleforge/articleforge/internal/store"
	"github.com/articleforge/articleforge/internal/worker"
)

// Run wires the API server and blocks serving it.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := Migrate("file://migrations", cfg.Postgres.URL(), "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr, err)
	}
	enqueuer := worker.NewEnqueuer(streams.NewPublisher(rdb, cfg.Worker.Stream))

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	auditor := audit.New(st, log.New(log.Writer(), "[AUDIT] ", log.LstdFlags), auditFailures)
	notifier := &MetricsNotifier{Next: pipeline.NewLogNotifier(nil)}
	alerts := &pipeline.AlertRecorder{Auditor: auditor, Notifier: notifier}
	guard := budget.New(st, alerts, nil)
	costs := ledger.New(st, nil)
	reg := registry.New(st)
	svc := pipeline.NewService(st, guard, costs, st, auditor, enqueuer, notifier, nil)
	limiter := ratelimit.New(st, cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, ratelimit.WithOrgMax(st))
	go pruneRateWindows(ctx, st, baseLogger)

	api := e.Group("/api")
	(&AuthHandler{Store: st, Auditor: auditor, Secret: secret, TokenTTL: cfg.Server.TokenTTL}).Register(api.Group("/auth"))

	protected := api.Group("", runtime.EchoAuthMiddleware(secret), RateLimitMiddleware(limiter))
	(&PipelinesHandler{Service: svc}).Register(protected.Group("/pipelines"))
	(&BudgetHandler{Service: svc}).Register(protected.Group("/orgs/:org_id"))
	(&AuditHandler{Recorder: auditor}).Register(protected.Group("/orgs/:org_id/audit"))
	(&AgentsHandler{Registry: reg, Auditor: auditor}).Register(protected.Group("/agents"))

	if cfg.Secrets.MasterKey != "" {
		keeper, err := secrets.New(st, cfg.Secrets.MasterKey)
		if err != nil {
			return fmt.Errorf("secrets keeper: %w", err)
		}
		(&CredentialsHandler{Keeper: keeper, Auditor: auditor}).Register(protected.Group("/credentials"))
	}

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// pruneRateWindows drops rate windows that closed more than a day ago.
// Enforcement never reads closed windows, so this is housekeeping only.
func pruneRateWindows(ctx context.Context, st *store.Store, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.PruneExpiredWindows(ctx, time.Now().Add(-24*time.Hour)); err != nil {
				logger.Printf("warn: prune rate windows: %v", err)
			} else if n > 0 {
				logger.Printf("pruned %d expired rate windows", n)
			}
		}
	}
}
