package ports

import (
	"context"

	"peerlink/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Signaler delivers messages to remote peers through the relay service.
type Signaler interface {
	Send(ctx context.Context, msg *domain.Message) error
}

// LocalMedia attaches the local streams to a freshly created transport.
type LocalMedia interface {
	AttachLocalStreams(peerID domain.PeerID, t Transport) error
}

// DataChannels owns data-channel construction and teardown. The closed
// predicate reports whether the owning connection is being torn down, so
// late callbacks can be dropped.
type DataChannels interface {
	Open(peerID domain.PeerID, t Transport, closed func() bool) error
	Accept(peerID domain.PeerID, dc *webrtc.DataChannel, closed func() bool)
	Close(peerID domain.PeerID)
}

// ConnectionMetrics records connection lifecycle statistics.
type ConnectionMetrics interface {
	RecordConnectionCreated(restart bool)
	RecordRestart(reason string)
	RecordRestartRejected(reason string)
	RecordICEFailure()
	RecordStabilized()
	SetActivePeers(n int)
}
