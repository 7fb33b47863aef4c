// Command relay runs the media relay server: a Gin HTTP process exposing
// the WebSocket upgrade endpoint (spec.md §4.1), Prometheus metrics, and
// liveness/readiness probes, wired with the same dependency stack the
// teacher's session service uses.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediarelay/relay/internal/v1/audit"
	"github.com/mediarelay/relay/internal/v1/auth"
	"github.com/mediarelay/relay/internal/v1/bus"
	"github.com/mediarelay/relay/internal/v1/config"
	"github.com/mediarelay/relay/internal/v1/connection"
	"github.com/mediarelay/relay/internal/v1/health"
	"github.com/mediarelay/relay/internal/v1/ipthrottle"
	"github.com/mediarelay/relay/internal/v1/logging"
	"github.com/mediarelay/relay/internal/v1/middleware"
	"github.com/mediarelay/relay/internal/v1/ratelimit"
	"github.com/mediarelay/relay/internal/v1/tracing"
	"github.com/mediarelay/relay/internal/v1/types"
	"go.uber.org/zap"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx := context.Background()
	logging.Info(ctx, "media relay starting", zap.String("port", cfg.Port), zap.String("go_env", cfg.GoEnv))

	if otelAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); otelAddr != "" {
		if _, err := tracing.InitTracer(ctx, "media-relay", otelAddr); err != nil {
			logging.Warn(ctx, "tracing: failed to initialize, continuing without it", zap.Error(err))
		}
	}

	var redisSvc *bus.Service
	if cfg.RedisEnabled {
		redisSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "redis: unavailable, degrading to single-instance mode", zap.Error(err))
			redisSvc = nil
		}
	}

	auditSink := audit.NewSink(redisSvc)

	blockedIPs := ipthrottle.NewStore(redisSvc, auditSink, cfg.FailedAuthBeforeBlock, cfg.IPBlockDuration)
	if err := blockedIPs.LoadFromRedis(ctx); err != nil {
		logging.Warn(ctx, "ipthrottle: failed to warm cache from redis", zap.Error(err))
	}

	var tokenValidator types.TokenValidator
	var rlValidator ratelimit.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled via SKIP_AUTH, do not use in production")
		mock := &auth.MockValidator{}
		tokenValidator = mock
		rlValidator = mock
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize auth validator", zap.Error(err))
		}
		tokenValidator = v
		rlValidator = v
	}

	rl, err := ratelimit.NewRateLimiter(cfg, redisSvc.Client(), rlValidator)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
	}
	rl.SetAuditSink(auditSink)
	rl.StartSweep(cfg.SessionBucketTTL, cfg.IPBucketTTL)
	defer rl.Stop()

	hub := connection.NewHub(cfg, tokenValidator, blockedIPs, auditSink, rl)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	go hub.RunIdleReaper(reaperCtx, cfg.IdleTimeout)
	defer stopReaper()

	router := gin.Default()
	router.Use(middleware.CorrelationID())
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsCfg))

	router.GET("/screenshare", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(redisSvc)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "server exited")
}
