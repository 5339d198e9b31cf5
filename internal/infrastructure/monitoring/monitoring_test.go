package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_ConnectionMetrics(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordConnectionCreated(false)
	p.RecordConnectionCreated(true)
	p.RecordConnectionCreated(true)
	p.RecordRestart("ice_failed")
	p.RecordRestartRejected("throttled")
	p.RecordICEFailure()
	p.RecordStabilized()
	p.SetActivePeers(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.connectionsCreated.WithLabelValues("initial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.connectionsCreated.WithLabelValues("restart")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.restarts.WithLabelValues("ice_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.restartsRejected.WithLabelValues("throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.iceFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.stabilized))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.activePeers))
}

func TestPrometheusCollector_MediaAndRelay(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.RecordRTPPacket("video", 1000)
	p.RecordRTPPacket("video", 200)
	p.RecordRTCPPacket("pli_sent")
	p.RecordRelayed("offer", 1)
	p.RecordRelayed("enter", 3)
	p.RecordRelayed("answer", 0)
	p.SetRelayConnections(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.rtpPackets.WithLabelValues("video")))
	assert.Equal(t, 1200.0, testutil.ToFloat64(p.rtpBytes.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.rtcpPackets.WithLabelValues("pli_sent")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.relayDeliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.relayUndeliverable))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.relayMessages.WithLabelValues("enter")))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.relayConnections))
}

func TestPrometheusCollector_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusCollector(reg)
	p.SetActivePeers(1)

	n, err := testutil.GatherAndCount(reg, "peerlink_active_peers")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Panics(t, func() { NewPrometheusCollector(reg) }, "duplicate registration")
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("signaling", func(context.Context) error { return nil }, time.Second)
	h.AddCheck("media", func(context.Context) error { return nil }, time.Second)

	status := h.CheckAll(context.Background())
	assert.True(t, status.Healthy())
	assert.Equal(t, map[string]string{"signaling": StatusHealthy, "media": StatusHealthy}, status.Checks)
}

func TestHealthChecker_FailureAndTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("ok", func(context.Context) error { return nil }, time.Second)
	h.AddCheck("broken", func(context.Context) error { return errors.New("relay unreachable") }, time.Second)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.False(t, status.Healthy())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "relay unreachable", status.Checks["broken"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_Empty(t *testing.T) {
	status := NewHealthChecker().CheckAll(context.Background())
	assert.True(t, status.Healthy())
	assert.Empty(t, status.Checks)
}
