package services

import (
	"context"
	"fmt"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FactoryConfig controls how connections are built.
type FactoryConfig struct {
	ICEServers  []webrtc.ICEServer
	TrickleICE  bool
	DataChannel bool
	// ICEFailureThreshold is the number of ICE failures after which
	// candidates are no longer trickled to a peer.
	ICEFailureThreshold int
}

// connectivityRestarter is the part of the RestartController the factory
// needs to react to ICE failures.
type connectivityRestarter interface {
	RestartAsync(id domain.PeerID, selfInitiated, connectionRestart bool)
}

// ConnectionFactory builds transports for peers, wires their notifications
// into the event bus and registers the resulting records.
type ConnectionFactory struct {
	cfg        FactoryConfig
	local      domain.LocalPeer
	transports ports.TransportFactory
	registry   *PeerRegistry
	bus        *EventBus
	monitor    *HealthMonitor
	signaler   ports.Signaler
	media      ports.LocalMedia
	channels   ports.DataChannels
	metrics    ports.ConnectionMetrics
	restarter  connectivityRestarter
	clock      clock.Clock
	logger     *zap.SugaredLogger
}

// CreateConnection allocates and wires a transport for peerID and registers
// its record. No record is registered when allocation fails.
func (f *ConnectionFactory) CreateConnection(ctx context.Context, peerID domain.PeerID, role domain.ConnectionRole) (*PeerConnection, error) {
	if _, exists := f.registry.Get(peerID); exists {
		f.logger.Warnw("connection to peer already exists", "peer_id", peerID)
		return nil, fmt.Errorf("peer %s: %w", peerID, domain.ErrDuplicateConnection)
	}

	trickle := f.cfg.TrickleICE && !f.registry.TrickleDisabled(peerID)
	t, err := f.transports.NewTransport(peerID, ports.TransportConfig{
		ICEServers:  f.cfg.ICEServers,
		TrickleICE:  trickle,
		ReceiveOnly: role.ReceiveOnly,
	})
	if err != nil {
		f.logger.Errorw("failed to create transport", "peer_id", peerID, "error", err)
		return nil, fmt.Errorf("peer %s: %w: %w", peerID, domain.ErrTransportCreation, err)
	}

	rec := newPeerConnection(peerID, t, role.ReceiveOnly, f.clock.Now())
	if f.registry.TrickleDisabled(peerID) {
		rec.disableICETrickle()
	}
	t.SetObserver(&connectionObserver{f: f, rec: rec})

	if err := f.registry.Add(rec); err != nil {
		f.logger.Warnw("failed to register peer connection", "peer_id", peerID, "error", err)
		if cerr := t.Close(); cerr != nil {
			f.logger.Warnw("failed to close unregistered transport", "peer_id", peerID, "error", cerr)
		}
		return nil, err
	}

	f.logger.Infow("peer connection created",
		"peer_id", peerID,
		"to_offer", role.ToOffer,
		"restart", role.Restart,
		"receive_only", role.ReceiveOnly,
		"trickle", trickle,
	)

	if !role.ReceiveOnly && f.media != nil {
		if err := f.media.AttachLocalStreams(peerID, t); err != nil {
			f.logger.Warnw("failed to attach local streams", "peer_id", peerID, "error", err)
		}
	}

	if role.ToOffer {
		if f.cfg.DataChannel && f.channels != nil {
			if err := f.channels.Open(peerID, t, rec.DataChannelClosed); err != nil {
				f.logger.Warnw("failed to open data channel", "peer_id", peerID, "error", err)
			}
		}
		if err := f.sendOffer(ctx, rec); err != nil {
			// the health watchdog restarts the connection if it never settles
			f.logger.Errorw("failed to start negotiation", "peer_id", peerID, "error", err)
		}
	}

	f.monitor.Start(peerID, role.ToOffer, trickle)
	f.metrics.RecordConnectionCreated(role.Restart)
	f.metrics.SetActivePeers(f.registry.Len())
	return rec, nil
}

func (f *ConnectionFactory) sendOffer(ctx context.Context, rec *PeerConnection) error {
	offer, err := rec.transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	msg := newMessage(f.local, domain.MessageOffer, rec.id)
	msg.SDP = offer.SDP
	msg.ReceiveOnly = rec.ReceiveOnly()
	if err := f.signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	return nil
}

// stabilize marks rec healthy and stops its watchdog. Only the first call
// per record has an effect.
func (f *ConnectionFactory) stabilize(rec *PeerConnection) {
	if !f.registry.IsCurrent(rec) {
		return
	}
	if !rec.markHealthy() {
		return
	}
	f.monitor.Stop(rec.id)
	f.metrics.RecordStabilized()
	f.logger.Infow("peer connection stable", "peer_id", rec.id)
}

func (f *ConnectionFactory) handleICEFailure(rec *PeerConnection) {
	if !f.registry.IsCurrent(rec) {
		f.logger.Debugw("ignoring ICE failure of a replaced connection", "peer_id", rec.id)
		return
	}
	failures := f.registry.RecordICEFailure(rec.id)
	f.metrics.RecordICEFailure()
	f.logger.Warnw("ICE connection failed", "peer_id", rec.id, "failures", failures)

	if f.cfg.TrickleICE && !rec.ICETrickleDisabled() {
		f.bus.Publish(domain.Event{
			Name:   domain.EventICEConnectionState,
			PeerID: rec.id,
			State:  string(domain.ICETrickleFailed),
		})
	}

	// the recreated connection reads the cached trickle flag
	if failures >= f.cfg.ICEFailureThreshold {
		rec.disableICETrickle()
		f.registry.DisableTrickle(rec.id)
		f.logger.Infow("ICE trickle disabled for peer", "peer_id", rec.id, "failures", failures)
	}

	f.restarter.RestartAsync(rec.id, true, true)
}

type connectionObserver struct {
	f   *ConnectionFactory
	rec *PeerConnection
}

func (o *connectionObserver) OnSignalingStateChange(s domain.SignalingState) {
	iceState := o.rec.setSignalingState(s)
	o.f.logger.Debugw("signaling state changed", "peer_id", o.rec.id, "signaling_state", s)
	o.f.bus.Publish(domain.Event{
		Name:   domain.EventSignalingState,
		PeerID: o.rec.id,
		State:  string(s),
	})
	if s == domain.SignalingStable && iceState.Settled() {
		o.f.stabilize(o.rec)
	}
}

func (o *connectionObserver) OnICEConnectionStateChange(s domain.ICEConnectionState) {
	sigState := o.rec.setICEState(s)
	o.f.logger.Debugw("ICE connection state changed", "peer_id", o.rec.id, "ice_state", s)
	o.f.bus.Publish(domain.Event{
		Name:   domain.EventICEConnectionState,
		PeerID: o.rec.id,
		State:  string(s),
	})
	switch {
	case s.Settled() && sigState == domain.SignalingStable:
		o.f.stabilize(o.rec)
	case s == domain.ICEFailed:
		o.f.handleICEFailure(o.rec)
	}
}

func (o *connectionObserver) OnICEGatheringStateChange(s domain.CandidateGenerationState) {
	o.f.bus.Publish(domain.Event{
		Name:   domain.EventCandidateGenerationState,
		PeerID: o.rec.id,
		State:  string(s),
	})
}

func (o *connectionObserver) OnICECandidate(c *webrtc.ICECandidateInit) {
	if c == nil {
		o.f.logger.Debugw("ICE candidate gathering complete", "peer_id", o.rec.id)
		return
	}
	if !o.f.cfg.TrickleICE || o.rec.ICETrickleDisabled() || !o.f.registry.IsCurrent(o.rec) {
		return
	}
	msg := newMessage(o.f.local, domain.MessageCandidate, o.rec.id)
	msg.Candidate = c.Candidate
	msg.SDPMid = c.SDPMid
	msg.SDPMLineIndex = c.SDPMLineIndex
	if err := o.f.signaler.Send(context.Background(), msg); err != nil {
		o.f.logger.Warnw("failed to send ICE candidate", "peer_id", o.rec.id, "error", err)
	}
}

func (o *connectionObserver) OnRemoteStream(stream domain.RemoteStream) {
	o.rec.setHasStream()
	o.f.logger.Infow("remote stream added",
		"peer_id", o.rec.id,
		"stream_id", stream.StreamID,
		"kind", stream.Kind,
	)
	o.f.bus.Publish(domain.Event{
		Name:   domain.EventIncomingStream,
		PeerID: o.rec.id,
		Info:   o.f.registry.Info(o.rec.id),
		Stream: &stream,
	})
}

func (o *connectionObserver) OnDataChannel(dc *webrtc.DataChannel) {
	if !o.f.cfg.DataChannel || o.f.channels == nil {
		o.f.logger.Warnw("data channels disabled, dropping incoming channel", "peer_id", o.rec.id)
		return
	}
	if o.rec.DataChannelClosed() || !o.f.registry.IsCurrent(o.rec) {
		o.f.logger.Debugw("dropping data channel of a closing connection", "peer_id", o.rec.id)
		return
	}
	o.f.channels.Accept(o.rec.id, dc, o.rec.DataChannelClosed)
	o.f.bus.Publish(domain.Event{
		Name:   domain.EventDataChannelReceived,
		PeerID: o.rec.id,
	})
}

func newMessage(local domain.LocalPeer, t domain.MessageType, target domain.PeerID) *domain.Message {
	return &domain.Message{
		Type:           t,
		SenderID:       local.ID,
		RoomID:         local.RoomID,
		Target:         target,
		Agent:          local.Agent,
		UserInfo:       local.UserInfo,
		PriorityWeight: local.PriorityWeight,
	}
}
