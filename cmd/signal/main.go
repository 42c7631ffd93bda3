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

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	"peerlink/internal/infrastructure/repositories"
	relaysignal "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/peerlink/config.yaml",
	"config.yaml",
}

func loadConfig(explicit string) (*config.Config, string, error) {
	if explicit != "" {
		cfg, err := config.Load(explicit)
		return cfg, explicit, err
	}
	var lastErr error
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err == nil {
			return cfg, path, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, "", lastErr
	}
	// No file: defaults plus environment.
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	issueFor := flag.String("issue-token", "", "print an access token for this user id and exit")
	issueName := flag.String("username", "", "display name for -issue-token")
	flag.Parse()

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if *issueFor != "" {
		token, err := authService.GenerateToken(domain.UserID(*issueFor), *issueName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().Named("relay")

	if path != "" {
		log.Infow("loaded config", "path", path)
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	instanceID := cfg.Relay.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log = log.With("instance_id", instanceID)

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceName += "-relay"
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := repositories.NewRelayBackend(ctx, cfg, instanceID, log.Named("backend"))

	var metrics *monitoring.RelayCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewRelayCollector(prometheus.DefaultRegisterer, instanceID)
	}

	relayCfg := relaysignal.RelayConfigFrom(cfg)
	relayCfg.InstanceID = instanceID
	relay := relaysignal.NewRelay(relayCfg, backend.Registry, backend.Fanout, relayMetrics(metrics), log.Named("ws"))

	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddCheck("backend", backend.HealthCheck, 15*time.Second, 2*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", middleware.AuthMiddleware(authService), relay.Handler())
	if cfg.Auth.GuestTokens {
		httphandlers.NewAuthHandler(authService, int(cfg.Auth.TokenTTL.Seconds())).SetupRoutes(router)
		log.Warn("guest token endpoint enabled")
	}
	router.GET("/health", relay.HealthCheck)
	router.GET("/ready", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting voice relay", "address", cfg.Relay.Address, "shared", backend.Shared())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("relay fanout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		backend.KeepAlive(gctx, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		return health.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down voice relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
		defer cancel()

		if err := relay.Shutdown(shutdownCtx); err != nil {
			log.Warnw("relay connections still open at shutdown", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		if err := backend.Close(shutdownCtx); err != nil {
			log.Errorw("error closing relay backend", "error", err)
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error flushing traces", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Errorw("voice relay stopped with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
	log.Info("voice relay stopped")
}

// relayMetrics keeps a nil collector from becoming a non-nil interface.
func relayMetrics(c *monitoring.RelayCollector) ports.RelayMetrics {
	if c == nil {
		return nil
	}
	return c
}
