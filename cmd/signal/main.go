package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"beamdrop/internal/core/ports"
	"beamdrop/internal/core/services"
	"beamdrop/internal/infrastructure/distributed"
	"beamdrop/internal/infrastructure/middleware"
	"beamdrop/internal/infrastructure/monitoring"
	"beamdrop/internal/infrastructure/repositories"
	signalserver "beamdrop/internal/infrastructure/signal"
	"beamdrop/pkg/config"
	"beamdrop/pkg/logger"
	"beamdrop/pkg/tracing"
	"beamdrop/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.String("config", "configs/signal.yaml", "path to the configuration file")
	address := pflag.String("address", "", "listen address of the broker")
	logLevel := pflag.String("log-level", "", "log level (debug, info, warn, error)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Signal.Address = *address
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	zapLogger, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Fatalw("signaling broker stopped with error", "error", err)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	startTime := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	instanceID := cfg.Signal.InstanceID
	if instanceID == "" {
		instanceID = utils.GenerateInstanceID()
	}
	log = log.With("instance_id", instanceID)

	stores := repositories.Open(ctx, cfg, log)
	defer stores.Close()

	var tokens ports.TokenService
	if cfg.Auth.Enabled {
		tokens = services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		log.Info("peer tokens enabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	health := monitoring.NewHealthChecker()

	serverConfig := signalserver.ServerConfig{
		InstanceID:   instanceID,
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
		PresenceTTL:  cfg.Signal.PresenceTTL,
	}
	if cfg.RateLimiting.Enabled {
		serverConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		serverConfig.Burst = cfg.RateLimiting.WebSocket.Burst
		serverConfig.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}

	var relay *distributed.RelayBus
	if client := stores.Redis(); client != nil {
		relay = distributed.NewRelayBus(client, instanceID, log)
		health.AddRedisCheck(client, 2*time.Second)
	}

	var server *signalserver.WebSocketServer
	if relay != nil {
		server = signalserver.NewWebSocketServer(stores.Presence, tokens, relay, collector, serverConfig, log)
		go func() {
			if err := relay.Subscribe(ctx, server.DeliverRelayed); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("relay subscription ended", "error", err)
			}
		}()
		log.Info("cross-instance relay enabled")
	} else {
		server = signalserver.NewWebSocketServer(stores.Presence, tokens, nil, collector, serverConfig, log)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(log.Desugar())),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET("/ws", gin.WrapF(server.HandleWebSocket))
	api := router.Group("/api/v1")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	{
		api.POST("/peers/:id/token", server.IssueToken)
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":          monitoring.StatusHealthy,
			"timestamp":       time.Now(),
			"uptime":          time.Since(startTime).String(),
			"connected_peers": server.ConnectedPeers(),
		})
	})
	router.GET("/ready", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling broker", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	server.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	log.Info("signaling broker stopped")
	return runErr
}
