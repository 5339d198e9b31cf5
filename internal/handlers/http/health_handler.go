package http

import (
	"net/http"

	"peerlink/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthHandler serves the liveness report and the Prometheus scrape
// endpoint.
type HealthHandler struct {
	checker  *monitoring.HealthChecker
	gatherer prometheus.Gatherer
}

func NewHealthHandler(checker *monitoring.HealthChecker, gatherer prometheus.Gatherer) *HealthHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthHandler{
		checker:  checker,
		gatherer: gatherer,
	}
}

// SetupRoutes registers /health and, when metricsPath is not empty, the
// metrics endpoint.
func (h *HealthHandler) SetupRoutes(router gin.IRoutes, metricsPath string) {
	router.GET("/health", h.Health)
	if metricsPath != "" {
		router.GET(metricsPath, gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	status := h.checker.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
