package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/auth"
	"github.com/sells-group/osa-gateway/internal/config"
	"github.com/sells-group/osa-gateway/internal/discovery"
	"github.com/sells-group/osa-gateway/internal/monitoring"
)

const shutdownTimeout = 15 * time.Second

var (
	servePort      int
	serveNoWarm    bool
	serveNoMonitor bool
)

// newRouter builds the gateway routes. Everything except /health and the
// discovery document requires a bearer token.
func newRouter(svc *services) http.Handler {
	h := &handlers{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: svc.Config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/api/tools/odp/discovery", discovery.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(svc.Signer))

		r.Get("/api/content/{pageId}/{widgetId}", h.content)

		r.Route("/api/admin", func(r chi.Router) {
			r.Get("/health", h.systemHealth)
			r.Get("/audit", h.auditRecords)
			r.Post("/rollback/{auditId}", h.rollback)
			r.Put("/enhancement", h.setEnhancement)
		})

		r.Post(discovery.ToolPrefix+discovery.ToolWidgetContent, h.toolWidgetContent)
		r.Post(discovery.ToolPrefix+discovery.ToolValidationHealth, h.toolValidationHealth)
		r.Post(discovery.ToolPrefix+discovery.ToolAuditRecords, h.toolAuditRecords)
		r.Post(discovery.ToolPrefix+discovery.ToolRollbackOutput, h.toolRollback)

		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(svc.Registry, promhttp.HandlerOpts{}))
	})

	return r
}

// startBackground launches the cache warmer, the health checker and the
// audit error watcher. The returned WaitGroup completes after ctx ends.
func startBackground(ctx context.Context, svc *services, warm, monitor bool) *sync.WaitGroup {
	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() { monitoring.WatchSinkErrors(ctx, svc.Audit.Errors(), svc.Metrics) })
	if warm {
		interval := config.Timeout(svc.Config.Cache.WarmIntervalSecs, 4*time.Minute)
		run(func() { svc.Pipeline.RunWarmer(ctx, interval, svc.Config.Cache.WarmConcurrency) })
	}
	if monitor {
		collector := monitoring.NewCollector(svc.Pipeline, svc.Metrics)
		checker := monitoring.NewChecker(collector, svc.Alerter, svc.Config.Monitoring)
		run(func() { checker.Run(ctx) })
	}
	return &wg
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the content gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := initServices(ctx)
		if err != nil {
			return err
		}

		bgCtx, cancelBg := context.WithCancel(ctx)
		bg := startBackground(bgCtx, svc, !serveNoWarm, !serveNoMonitor)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(svc),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- eris.Wrap(err, "server listen")
			}
			close(errCh)
		}()

		var serveErr error
		select {
		case <-ctx.Done():
		case serveErr = <-errCh:
		}

		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("server shutdown", zap.Error(err))
		}
		cancelBg()
		bg.Wait()
		svc.Close(shutdownCtx)

		return serveErr
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWarm, "no-warm", false, "disable the background cache warmer")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "disable the background health checker")
	rootCmd.AddCommand(serveCmd)
}
