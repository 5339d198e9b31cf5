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

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	signalinfra "peerlink/internal/infrastructure/signal"
	"peerlink/pkg/config"
	"peerlink/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	addr := flag.String("addr", ":8081", "listen address of the relay")
	mintSubject := flag.String("mint-token", "", "print a token for this subject and exit")
	mintRole := flag.String("role", string(domain.RolePeer), "role of the minted token")
	mintRoom := flag.String("room", "", "room the minted token is bound to (empty for any)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, nil)

	if *mintSubject != "" {
		token, err := authService.GenerateToken(*mintSubject, domain.Role(*mintRole), *mintRoom)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to mint token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	var metrics signalinfra.RelayMetrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}
	relay := signalinfra.NewRelay(signalinfra.RelayConfig{
		PingInterval:   cfg.Signal.PingInterval,
		ReadTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}, metrics, log.Named("relay"))

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
	httphandlers.NewHealthHandler(monitoring.NewHealthChecker(), prometheus.DefaultGatherer).SetupRoutes(router, metricsPath)
	router.GET("/stats", gin.WrapF(relay.HealthCheck))

	ws := []gin.HandlerFunc{gin.WrapF(relay.HandleWebSocket)}
	if cfg.Auth.Enabled {
		ws = append([]gin.HandlerFunc{
			middleware.AuthMiddleware(authService, domain.RolePeer, middleware.QueryRoom("rid")),
		}, ws...)

		api := router.Group("/api/v1", middleware.AuthMiddleware(authService, domain.RoleOperator, middleware.FixedRoom("")))
		httphandlers.NewTokenHandler(authService, cfg.Auth.TokenTTL).SetupRoutes(api)
	}
	router.GET("/ws", ws...)

	srv := &http.Server{
		Addr:        *addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting signaling relay", "address", *addr, "auth", cfg.Auth.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("relay failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked connections are not tracked by the server.
	if err := relay.Close(); err != nil {
		log.Errorw("error closing relay", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	log.Info("relay stopped")
}
