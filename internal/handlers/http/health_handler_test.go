package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"peerlink/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.SetActivePeers(3)

	healthy := true
	checker := monitoring.NewHealthChecker()
	checker.AddCheck("signaling", func(context.Context) error {
		if healthy {
			return nil
		}
		return errors.New("relay unreachable")
	}, time.Second)

	router := gin.New()
	NewHealthHandler(checker, reg).SetupRoutes(router, "/metrics")

	w := serve(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, monitoring.StatusHealthy, decode(t, w)["status"])

	healthy = false
	w = serve(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "relay unreachable")

	w = serve(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "peerlink_active_peers 3")
}
