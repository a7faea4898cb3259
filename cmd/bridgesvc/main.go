package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhawalhost/wardbridge/internal/app"
	"github.com/dhawalhost/wardbridge/internal/audit"
	"github.com/dhawalhost/wardbridge/internal/bulksync"
	"github.com/dhawalhost/wardbridge/internal/config"
	"github.com/dhawalhost/wardbridge/internal/sso"
	"github.com/dhawalhost/wardbridge/pkg/logger"
	"github.com/dhawalhost/wardbridge/pkg/middleware"
	"github.com/dhawalhost/wardbridge/pkg/observability"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("WARDBRIDGE_CONFIG"), "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Bridge service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRatio:    cfg.Observability.SampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}

	metrics := observability.NewMetrics()
	bridge, err := app.New(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}
	defer bridge.Close()

	scheduler := cron.New(cron.WithLogger(cronLogger{log.Sugar().Named("cron")}))
	_, err = scheduler.AddFunc(cfg.Sync.Schedule, func() {
		_, err := bridge.Runner.Run(ctx, bulksync.RunOptions{})
		if errors.Is(err, bulksync.ErrInProgress) {
			log.Info("Scheduled sync skipped, previous run still active")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", cfg.Sync.Schedule, err)
	}
	scheduler.Start()

	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.Burst)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router(ctx, cfg, bridge, limiter, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()

	<-scheduler.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}
	return nil
}

func router(ctx context.Context, cfg *config.Config, bridge *app.App, limiter *middleware.IPRateLimiter, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.Observability.ServiceName))
	r.Use(observability.PrometheusMiddleware(bridge.Metrics))
	r.Use(middleware.SecurityHeadersMiddleware())
	if len(cfg.Server.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowHeaders:     []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		status := bridge.Health(c.Request.Context())
		code := http.StatusOK
		if status["store"] != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	r.GET("/metrics", gin.WrapH(bridge.Metrics.Handler()))

	ssoHandler := sso.NewHTTPHandler(ctx, bridge.SSO, bridge.Runner, log.Named("http"))
	public := r.Group("/", limiter.Middleware(), middleware.NoStore())
	ssoHandler.RegisterRoutes(public)

	admin := r.Group("/admin",
		middleware.AdminAuth(middleware.AdminConfig{Secret: []byte(cfg.Admin.JWTSecret), Issuer: cfg.Admin.Issuer}),
		middleware.NoStore(),
	)
	ssoHandler.RegisterAdminRoutes(admin)
	audit.NewHTTPHandler(bridge.Audit, log.Named("audit")).RegisterRoutes(admin)

	return r
}

// cronLogger routes cron diagnostics to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
