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
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/events"
	"peerlink/internal/infrastructure/media"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	relaysignal "peerlink/internal/infrastructure/signal"
	"peerlink/internal/infrastructure/vad"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var _ httphandlers.CallController = (*webrtcinfra.Orchestrator)(nil)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	channel := flag.String("channel", "", "voice channel to join on start (overrides call.channel_id)")
	video := flag.Bool("video", false, "join with the camera on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *channel != "" {
		cfg.Call.ChannelID = *channel
	}
	if *video {
		cfg.Call.VideoOnJoin = true
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().Named("peerlink")

	if err := run(cfg, log); err != nil {
		log.Errorw("peerlink stopped with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
	log.Info("peerlink stopped")
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	claims, err := services.PeekClaims(cfg.Signal.Token)
	if err != nil {
		return fmt.Errorf("signal.token must be a relay access token: %w", err)
	}
	selfID := claims.UserID
	log = log.With("self_id", selfID)
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(log.Named("events"))
	bus.SubscribeAll(eventLogger(log.Named("call")))

	var metrics *monitoring.CallCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewCallCollector(prometheus.DefaultRegisterer)
	}

	factory, err := webrtcinfra.NewFactory(webrtcinfra.FactoryConfigFrom(cfg), log.Named("pion"))
	if err != nil {
		return fmt.Errorf("create peer connection factory: %w", err)
	}

	client := relaysignal.NewClient(relaysignal.ClientConfigFrom(cfg), log.Named("signal"))
	client.OnReconnect(func() {
		log.Infow("signaling restored", "channel_id", client.Channel())
	})

	detector := vad.NewDetector(vad.ConfigFrom(cfg), log.Named("vad"))
	deps := webrtcinfra.Deps{
		Signaling: client,
		Factory:   factory,
		Media:     media.NewAcquirer(media.AcquirerConfig{PumpAudio: true}, log.Named("media")),
		VAD:       detector,
		Events:    bus,
		Logger:    log,
	}
	if metrics != nil {
		deps.Metrics = metrics
	}
	orch := webrtcinfra.NewOrchestrator(webrtcinfra.ConfigFrom(cfg, selfID), deps)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Call.ConnectTimeout)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	log.Infow("connected to relay", "url", cfg.Signal.URL)

	health := monitoring.NewHealthChecker(log.Named("health"))
	health.AddBoolCheck("signaling", client.IsConnected, 10*time.Second)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)
	httphandlers.NewCallHandler(orch).SetupRoutes(router)
	router.GET("/health", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	srv := &http.Server{
		Addr:              cfg.Monitoring.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Call.ChannelID != "" {
		if err := orch.Join(ctx, domain.ChannelID(cfg.Call.ChannelID), cfg.Call.VideoOnJoin); err != nil {
			client.Close()
			return fmt.Errorf("join %s: %w", cfg.Call.ChannelID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("control API listening", "address", cfg.Monitoring.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		orch.StartHealthMonitor(gctx, cfg.Call.HealthCheckInterval)
		return nil
	})
	g.Go(func() error {
		return health.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		orch.Close(shutdownCtx)
		detector.DetachAll()
		if err := client.Close(); err != nil {
			log.Warnw("error closing signaling client", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during control API shutdown", "error", err)
			_ = srv.Close()
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error flushing traces", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// eventLogger writes call events to the log. Voice activity fires many
// times a second and only shows at debug level.
func eventLogger(log *zap.SugaredLogger) events.Handler {
	return func(e domain.Event) {
		switch p := e.Payload.(type) {
		case domain.VoiceActivityEvent:
			log.Debugw("voice activity", "peer_id", p.UserID, "active", p.IsActive, "level", p.Level)
		case domain.LocalStreamEvent:
			log.Infow("local stream ready", "video_kind", p.VideoKind)
		case domain.RemoteStreamEvent:
			log.Infow("remote stream", "peer_id", p.UserID, "kind", p.Kind)
		default:
			log.Infow("call event", "type", e.Type, "payload", p)
		}
	}
}
