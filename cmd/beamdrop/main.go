package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/core/services"
	httphandlers "beamdrop/internal/handlers/http"
	"beamdrop/internal/infrastructure/analysis"
	"beamdrop/internal/infrastructure/discovery"
	"beamdrop/internal/infrastructure/middleware"
	"beamdrop/internal/infrastructure/monitoring"
	"beamdrop/internal/infrastructure/repositories"
	signalclient "beamdrop/internal/infrastructure/signal"
	webrtcinfra "beamdrop/internal/infrastructure/webrtc"
	"beamdrop/pkg/circuitbreaker"
	"beamdrop/pkg/config"
	"beamdrop/pkg/logger"
	"beamdrop/pkg/tracing"
	"beamdrop/pkg/utils"
	"beamdrop/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// registrationAttempts bounds how often a fresh anchor id is drawn when the
// broker reports the previous one taken.
const registrationAttempts = 3

func main() {
	var (
		configPath = pflag.String("config", "configs/beamdrop.yaml", "path to the configuration file")
		join       = pflag.String("join", "", "share locator of the session to join")
		name       = pflag.String("name", "", "display name announced to other devices")
		kind       = pflag.String("kind", "", "device kind: Android, iOS, Windows or Mac")
		apiAddress = pflag.String("api-address", "", "address of the local control API")
		signalURL  = pflag.String("signal-url", "", "websocket url of the signaling broker")
		discover   = pflag.Bool("discover", false, "browse the local network for a session to join")
		logLevel   = pflag.String("log-level", "", "log level (debug, info, warn, error)")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *join != "" {
		cfg.Node.Locator = *join
	}
	if *name != "" {
		cfg.Node.DisplayName = *name
	}
	if *kind != "" {
		cfg.Node.DeviceKind = *kind
	}
	if *apiAddress != "" {
		cfg.API.Address = *apiAddress
	}
	if *signalURL != "" {
		cfg.Signal.URL = *signalURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := validation.ValidateURL(cfg.Signal.URL, "ws", "wss"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid signaling url: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, *discover, log); err != nil {
		log.Fatalw("beamdrop stopped with error", "error", err)
	}
}

func run(cfg *config.Config, discover bool, log *zap.SugaredLogger) error {
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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warnw("failed to flush traces", "error", err)
		}
	}()

	displayName, deviceKind, err := localDevice(cfg)
	if err != nil {
		return err
	}

	if discover && cfg.Node.Locator == "" {
		cfg.Node.Locator = discoverSession(ctx, cfg, log)
	}

	resolver := services.NewSessionResolver(cfg.Node.ShareBaseURL, cfg.Node.IDLength, log)
	identity, client, err := register(ctx, cfg, resolver, log)
	if err != nil {
		return err
	}

	transportConfig := webrtcinfra.Config{
		ICEServers:     iceServers(cfg.WebRTC.ICEServers),
		ChannelLabel:   cfg.WebRTC.ChannelLabel,
		MaxFrameSize:   cfg.WebRTC.MaxFrameSize,
		MaxMessageSize: cfg.Transfer.MaxFileSize * 2,
		ConnectTimeout: cfg.WebRTC.ConnectTimeout,
	}
	transportConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	transport, err := webrtcinfra.NewTransport(client, transportConfig, log)
	if err != nil {
		client.Close()
		return fmt.Errorf("create transport: %w", err)
	}

	stores := repositories.Open(ctx, cfg, log)
	defer stores.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	node := services.NewNode(
		identity,
		transport,
		stores.Devices,
		stores.Files,
		newAnalyzer(cfg, log),
		collector,
		services.NodeConfig{
			DisplayName:      displayName,
			DeviceKind:       deviceKind,
			AckMode:          cfg.Transfer.AckMode,
			AckTimeout:       cfg.Transfer.AckTimeout,
			CompletionDelay:  cfg.Transfer.CompletionDelay,
			MaxFileSize:      cfg.Transfer.MaxFileSize,
			HandshakeTimeout: cfg.Transfer.HandshakeTimeout,
			AnalysisTimeout:  cfg.Analysis.Timeout,
			MaxTextBytes:     cfg.Analysis.MaxTextBytes,
		},
		log,
	)

	var nodeErr error
	nodeDone := make(chan struct{})
	go func() {
		nodeErr = node.Run(ctx)
		close(nodeDone)
	}()
	defer node.Close()

	health := monitoring.NewHealthChecker()
	health.AddCheck("node", func(context.Context) error {
		select {
		case <-nodeDone:
			return domain.ErrNodeClosed
		default:
			return nil
		}
	}, 0)
	health.AddCheck("signaling", func(context.Context) error {
		select {
		case <-client.Done():
			return errors.New("signaling broker connection lost")
		default:
			return nil
		}
	}, 0)

	srv := &http.Server{
		Addr:         cfg.API.Address,
		Handler:      newRouter(cfg, node, health, registry, log),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	listener, err := net.Listen("tcp", cfg.API.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.API.Address, err)
	}

	if cfg.Discovery.Enabled && identity.IsAnchor() {
		advertiser, err := discovery.Advertise(discoveryConfig(cfg), identity, displayName, deviceKind, listenerPort(listener), log)
		if err != nil {
			log.Warnw("failed to advertise session", "error", err)
		} else {
			defer advertiser.Stop()
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("control API listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Infow("session ready",
		"role", identity.Role,
		"local_id", identity.LocalID,
		"share_locator", identity.ShareLocator,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		runErr = fmt.Errorf("control API: %w", err)
	case <-nodeDone:
		if nodeErr != nil {
			runErr = fmt.Errorf("node: %w", nodeErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during API shutdown", "error", err)
		_ = srv.Close()
	}

	log.Info("beamdrop stopped")
	return runErr
}

func localDevice(cfg *config.Config) (string, domain.DeviceKind, error) {
	name := cfg.Node.DisplayName
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "BeamDrop device"
		}
		name = host
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		return "", "", err
	}

	kind := domain.DetectDeviceKind(runtime.GOOS)
	if cfg.Node.DeviceKind != "" {
		parsed, ok := domain.ParseDeviceKind(cfg.Node.DeviceKind)
		if !ok {
			return "", "", fmt.Errorf("unknown device kind %q", cfg.Node.DeviceKind)
		}
		kind = parsed
	}
	return name, kind, nil
}

// register resolves the session identity and claims its id on the broker. A
// taken anchor id is replaced by a fresh one; a taken joiner id likewise.
func register(ctx context.Context, cfg *config.Config, resolver *services.SessionResolver, log *zap.SugaredLogger) (domain.SessionIdentity, *signalclient.Client, error) {
	httpClient := &http.Client{Timeout: cfg.Signal.WriteTimeout}

	var lastErr error
	for attempt := 0; attempt < registrationAttempts; attempt++ {
		identity := resolver.Resolve(cfg.Node.Locator)

		var token string
		if cfg.Auth.Enabled {
			resp, err := signalclient.FetchToken(ctx, httpClient, cfg.Signal.URL, identity.LocalID)
			switch {
			case errors.Is(err, domain.ErrPeerIDTaken):
				lastErr = err
				continue
			case err != nil:
				log.Warnw("could not reserve peer id, registering without a token", "error", err)
			default:
				token = resp.Token
			}
		}

		client, err := signalclient.Dial(ctx, signalclient.ClientConfig{
			URL:          cfg.Signal.URL,
			PeerID:       identity.LocalID,
			Token:        token,
			WriteTimeout: cfg.Signal.WriteTimeout,
			DialAttempts: cfg.Signal.DialAttempts,
			OpenTimeout:  cfg.Signal.WriteTimeout,
		}, log)
		if errors.Is(err, domain.ErrPeerIDTaken) {
			log.Warnw("peer id taken, drawing a new one", "peer_id", identity.LocalID)
			lastErr = err
			continue
		}
		if err != nil {
			return domain.SessionIdentity{}, nil, err
		}
		return identity, client, nil
	}
	return domain.SessionIdentity{}, nil, fmt.Errorf("register with signaling broker: %w", lastErr)
}

// discoverSession returns the locator of the first anchor found on the local
// network, or "" to start a new session.
func discoverSession(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) string {
	anchors, err := discovery.Browse(ctx, discoveryConfig(cfg), "")
	if err != nil {
		log.Warnw("session discovery failed", "error", err)
		return ""
	}
	if len(anchors) == 0 {
		log.Info("no session found on the local network")
		return ""
	}
	for _, a := range anchors[1:] {
		log.Infow("ignoring additional session", "host_id", a.HostID, "name", a.DisplayName)
	}
	log.Infow("discovered session", "host_id", anchors[0].HostID, "name", anchors[0].DisplayName)
	return anchors[0].Locator
}

func discoveryConfig(cfg *config.Config) discovery.Config {
	return discovery.Config{
		Service:       cfg.Discovery.Service,
		Domain:        cfg.Discovery.Domain,
		BrowseTimeout: cfg.Discovery.BrowseTimeout,
	}
}

func listenerPort(l net.Listener) int {
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

func iceServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// newAnalyzer returns nil when analysis is disabled; analyzable files then
// end up Failed.
func newAnalyzer(cfg *config.Config, log *zap.SugaredLogger) ports.Analyzer {
	if !cfg.Analysis.Enabled {
		log.Info("content analysis disabled")
		return nil
	}
	log.Infow("content analysis enabled",
		"endpoint", cfg.Analysis.Endpoint,
		"model", cfg.Analysis.Model,
		"api_key", utils.MaskSensitive(cfg.Analysis.APIKey, 4),
	)
	return analysis.NewHTTPAnalyzer(&http.Client{Timeout: cfg.Analysis.Timeout}, analysis.Config{
		Endpoint: cfg.Analysis.Endpoint,
		APIKey:   cfg.Analysis.APIKey,
		Model:    cfg.Analysis.Model,
		Breaker: circuitbreaker.Config{
			FailureThreshold: cfg.Analysis.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Analysis.Breaker.SuccessThreshold,
			Cooldown:         cfg.Analysis.Breaker.OpenTimeout,
		},
	}, log)
}

func newRouter(cfg *config.Config, node ports.NodeService, health *monitoring.HealthChecker, registry *prometheus.Registry, log *zap.SugaredLogger) *gin.Engine {
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
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	httphandlers.NewSessionHandler(node).SetupRoutes(router)
	httphandlers.NewFileHandler(node, cfg.Transfer.MaxFileSize).SetupRoutes(router)

	router.GET("/health", health.Handler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}
	return router
}
