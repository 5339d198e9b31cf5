package webrtc

import (
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the media engine settings shared by every transport.
type Config struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
	NAT1To1IPs          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// TransportFactory allocates pion-backed transports.
type TransportFactory struct {
	api     *webrtc.API
	metrics MediaMetrics
	logger  *zap.SugaredLogger
}

var _ ports.TransportFactory = (*TransportFactory)(nil)

// NewTransportFactory builds the pion API with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
func NewTransportFactory(cfg Config, metrics MediaMetrics, logger *zap.SugaredLogger) (*TransportFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid UDP port range: %w", err)
		}
	}
	if len(cfg.NAT1To1IPs) > 0 {
		settingEngine.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 {
		settingEngine.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	if metrics == nil {
		metrics = noopMediaMetrics{}
	}
	return &TransportFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// NewTransport creates a peer connection for peerID. Receive-only
// connections get recvonly audio and video transceivers so the remote side
// can still send media.
func (f *TransportFactory) NewTransport(peerID domain.PeerID, cfg ports.TransportConfig) (ports.Transport, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if cfg.ReceiveOnly {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
		}
	}

	f.logger.Debugw("peer connection allocated",
		"peer_id", peerID,
		"trickle", cfg.TrickleICE,
		"receive_only", cfg.ReceiveOnly,
		"ice_servers", len(cfg.ICEServers),
	)
	return newPionTransport(peerID, pc, cfg.TrickleICE, f.metrics, f.logger), nil
}
