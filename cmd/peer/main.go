package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
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
	signalinfra "peerlink/internal/infrastructure/signal"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"
	"peerlink/pkg/retry"
	"peerlink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// signalingChannel is what the daemon needs from a signaling transport.
type signalingChannel interface {
	ports.Signaler
	OnConnect(fn func(ctx context.Context, reconnect bool))
	Run(ctx context.Context, handle signalinfra.Handler) error
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, zapLogger); err != nil {
		log.Fatalw("peer stopped with error", "error", err)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()

	peerID := domain.PeerID(cfg.Session.PeerID)
	if peerID == "" {
		peerID = domain.PeerID(uuid.NewString())
	}
	local := domain.LocalPeer{
		ID:     peerID,
		RoomID: cfg.Session.RoomID,
		Agent: domain.Agent{
			Name:    cfg.Session.AgentName,
			Version: cfg.Session.AgentVersion,
		},
		PriorityWeight: cfg.Session.PriorityWeight,
	}
	log = log.With("local_peer_id", local.ID, "room_id", local.RoomID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "peerlink-peer",
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var collector *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		collector = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}
	var (
		connMetrics  ports.ConnectionMetrics
		mediaMetrics webrtcinfra.MediaMetrics
	)
	if collector != nil {
		connMetrics, mediaMetrics = collector, collector
	}

	var transportCfg webrtcinfra.Config
	transportCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	transportCfg.PortRange.Max = cfg.WebRTC.PortRange.Max
	transportCfg.NAT1To1IPs = cfg.WebRTC.NAT1To1IPs
	transportCfg.DisconnectedTimeout = cfg.WebRTC.DisconnectedTimeout
	transportCfg.FailedTimeout = cfg.WebRTC.FailedTimeout
	transportCfg.KeepAliveInterval = cfg.WebRTC.KeepAliveInterval
	transports, err := webrtcinfra.NewTransportFactory(transportCfg, mediaMetrics, log.Named("webrtc"))
	if err != nil {
		return err
	}

	checker := monitoring.NewHealthChecker()

	var (
		sig      signalingChannel
		wsSig    *signalinfra.WebSocketSignaler
		redisCli redis.UniversalClient
	)
	switch cfg.Signal.Transport {
	case config.TransportRedis:
		redisCli = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Address},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisCli.Close()
		checker.AddRedisCheck(redisCli, 2*time.Second)
		sig = signalinfra.NewRedisSignaler(redisCli, signalinfra.RedisConfig{
			ChannelPrefix: cfg.Signal.ChannelPrefix,
			RoomID:        local.RoomID,
			PeerID:        local.ID,
		}, log.Named("signal"))
	default:
		header := http.Header{}
		if cfg.Signal.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.Signal.Token)
		}
		reconnect := retry.DefaultConfig()
		reconnect.MaxAttempts = cfg.Signal.Reconnect.MaxAttempts
		reconnect.InitialDelay = cfg.Signal.Reconnect.InitialDelay
		reconnect.MaxDelay = cfg.Signal.Reconnect.MaxDelay
		wsSig = signalinfra.NewWebSocketSignaler(signalinfra.WebSocketConfig{
			URL:          cfg.Signal.URL,
			RoomID:       local.RoomID,
			PeerID:       local.ID,
			Header:       header,
			PingInterval: cfg.Signal.PingInterval,
			ReadTimeout:  cfg.Signal.PongTimeout,
			WriteTimeout: cfg.Signal.WriteTimeout,
			Reconnect:    reconnect,
		}, log.Named("signal"))
		checker.AddCheck("signaling", func(context.Context) error {
			if !wsSig.Connected() {
				return signalinfra.ErrNotConnected
			}
			return nil
		}, time.Second)
		sig = wsSig
	}

	var media ports.LocalMedia
	var localMedia *webrtcinfra.LocalMedia
	if !cfg.Session.ReceiveOnly {
		localMedia, err = webrtcinfra.NewLocalMedia(string(local.ID), log.Named("media"))
		if err != nil {
			return err
		}
		media = localMedia
	}

	var (
		channels  ports.DataChannels
		messenger httphandlers.Messenger
	)
	if cfg.Session.DataChannel {
		dcLog := log.Named("datachannel")
		dc := webrtcinfra.NewDataChannelManager(func(from domain.PeerID, data []byte) {
			dcLog.Infow("data channel message", "peer_id", from, "bytes", len(data))
		}, dcLog)
		channels, messenger = dc, dc
	}

	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	session := services.NewSession(ctx, services.SessionConfig{
		Local:       local,
		ReceiveOnly: cfg.Session.ReceiveOnly,
		Factory: services.FactoryConfig{
			ICEServers:          iceServers,
			TrickleICE:          cfg.WebRTC.TrickleICE,
			DataChannel:         cfg.Session.DataChannel,
			ICEFailureThreshold: cfg.Connection.ICEFailureThreshold,
		},
		Restart: services.RestartConfig{
			RecreateDelay:   cfg.Connection.RecreateDelay,
			Cooldown:        cfg.Connection.RestartCooldown,
			RefreshThrottle: cfg.Connection.RefreshThrottle,
		},
		Health: services.HealthTimeouts{
			Offerer:   cfg.Connection.Health.Offerer,
			Answerer:  cfg.Connection.Health.Answerer,
			NoTrickle: cfg.Connection.Health.NoTrickle,
			MCU:       cfg.Connection.Health.MCU,
		},
	}, services.SessionDeps{
		Transports: transports,
		Signaler:   sig,
		Media:      media,
		Channels:   channels,
		Metrics:    connMetrics,
		Logger:     log.Named("session"),
	})
	sig.OnConnect(func(ctx context.Context, reconnect bool) {
		if err := session.Join(ctx); err != nil {
			log.Warnw("failed to join room", "reconnect", reconnect, "error", err)
		}
	})

	signalErr := make(chan error, 1)
	go func() {
		signalErr <- sig.Run(ctx, session.HandleMessage)
	}()

	if localMedia != nil {
		for kind, addr := range map[webrtc.RTPCodecType]string{
			webrtc.RTPCodecTypeAudio: cfg.WebRTC.AudioRTPAddress,
			webrtc.RTPCodecTypeVideo: cfg.WebRTC.VideoRTPAddress,
		} {
			if addr == "" {
				continue
			}
			conn, err := net.ListenPacket("udp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen for %s RTP on %s: %w", kind, addr, err)
			}
			log.Infow("reading local RTP", "kind", kind, "address", conn.LocalAddr().String())
			go func(kind webrtc.RTPCodecType, conn net.PacketConn) {
				if err := localMedia.ServeRTP(ctx, kind, conn); err != nil {
					log.Errorw("local RTP source failed", "kind", kind, "error", err)
				}
			}(kind, conn)
		}
	}

	router := newRouter(cfg, zapLogger, session, messenger, checker)
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting control API", "address", cfg.Server.Address, "transport", cfg.Signal.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("control API failed", "error", runErr)
	case runErr = <-signalErr:
		log.Errorw("signaling channel stopped", "error", runErr)
	case s := <-sigChan:
		log.Infow("received shutdown signal", "signal", s)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := session.Leave(shutdownCtx); err != nil {
		log.Debugw("could not say goodbye", "error", err)
	}
	session.Close()
	cancel()
	if wsSig != nil {
		_ = wsSig.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("peer stopped")
	return runErr
}

func newRouter(
	cfg *config.Config,
	zapLogger *zap.Logger,
	session *services.Session,
	messenger httphandlers.Messenger,
	checker *monitoring.HealthChecker,
) *gin.Engine {
	log := zapLogger.Sugar()
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	metricsPath := ""
	if cfg.Monitoring.PrometheusEnabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	httphandlers.NewHealthHandler(checker, prometheus.DefaultGatherer).SetupRoutes(router, metricsPath)

	api := router.Group("/api/v1")
	var operator []gin.HandlerFunc
	if cfg.Auth.Enabled {
		authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, nil)
		api.Use(middleware.AuthMiddleware(authService, domain.RoleViewer, middleware.FixedRoom(cfg.Session.RoomID)))
		operator = append(operator, middleware.RequireRole(domain.RoleOperator))
	}
	httphandlers.NewPeerHandler(session, messenger).SetupRoutes(api, operator...)
	return router
}
