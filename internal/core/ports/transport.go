package ports

import (
	"context"

	"peerlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// TransportConfig is handed to the transport factory for every allocation.
type TransportConfig struct {
	ICEServers  []webrtc.ICEServer
	TrickleICE  bool
	ReceiveOnly bool
}

// TransportFactory allocates transports. Allocation fails when the
// underlying platform primitive is unavailable.
type TransportFactory interface {
	NewTransport(peerID domain.PeerID, cfg TransportConfig) (Transport, error)
}

// Transport is one peer-to-peer media/data connection attempt. It performs
// offer/answer negotiation and ICE; the orchestration layer only drives it.
type Transport interface {
	// SetObserver registers the listener for transport notifications. It
	// must be called before negotiation starts.
	SetObserver(TransportObserver)

	SignalingState() domain.SignalingState
	ICEConnectionState() domain.ICEConnectionState
	ICEGatheringState() domain.CandidateGenerationState

	// CreateOffer creates and applies a local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the applied local answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) error
	CreateDataChannel(label string) (*webrtc.DataChannel, error)

	Close() error
}

// TransportObserver receives transport notifications. Callbacks may arrive
// on any goroutine, including after Close.
type TransportObserver interface {
	OnSignalingStateChange(domain.SignalingState)
	OnICEConnectionStateChange(domain.ICEConnectionState)
	OnICEGatheringStateChange(domain.CandidateGenerationState)
	// OnICECandidate is called with nil once gathering is complete.
	OnICECandidate(*webrtc.ICECandidateInit)
	OnRemoteStream(domain.RemoteStream)
	OnDataChannel(*webrtc.DataChannel)
}
