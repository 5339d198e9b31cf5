package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errTransportClosed = errors.New("transport closed")

// PionTransport adapts a pion PeerConnection to ports.Transport.
type PionTransport struct {
	peerID  domain.PeerID
	pc      *webrtc.PeerConnection
	trickle bool
	media   MediaMetrics

	mu       sync.RWMutex
	observer ports.TransportObserver

	closed        atomic.Bool
	sigClosedSent atomic.Bool
	iceClosedSent atomic.Bool
	closeOnce     sync.Once
	closeErr      error

	logger *zap.SugaredLogger
}

func newPionTransport(peerID domain.PeerID, pc *webrtc.PeerConnection, trickle bool, media MediaMetrics, logger *zap.SugaredLogger) *PionTransport {
	t := &PionTransport{
		peerID:  peerID,
		pc:      pc,
		trickle: trickle,
		media:   media,
		logger:  logger.With("peer_id", peerID),
	}

	pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		if state, ok := mapSignalingState(s); ok {
			t.emitSignaling(state)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if state, ok := mapICEConnectionState(s); ok {
			t.emitICE(state)
		}
	})
	pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		if state, ok := mapGatheringState(s); ok {
			if o := t.currentObserver(); o != nil {
				o.OnICEGatheringStateChange(state)
			}
		}
	})
	pc.OnICECandidate(t.handleICECandidate)
	pc.OnTrack(t.handleTrack)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if o := t.currentObserver(); o != nil {
			o.OnDataChannel(dc)
		}
	})
	return t
}

func (t *PionTransport) SetObserver(o ports.TransportObserver) {
	t.mu.Lock()
	t.observer = o
	t.mu.Unlock()
}

func (t *PionTransport) currentObserver() ports.TransportObserver {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.observer
}

func (t *PionTransport) SignalingState() domain.SignalingState {
	if t.closed.Load() {
		return domain.SignalingClosed
	}
	state, ok := mapSignalingState(t.pc.SignalingState())
	if !ok {
		return domain.SignalingStable
	}
	return state
}

func (t *PionTransport) ICEConnectionState() domain.ICEConnectionState {
	if t.closed.Load() {
		return domain.ICEClosed
	}
	state, ok := mapICEConnectionState(t.pc.ICEConnectionState())
	if !ok {
		return domain.ICENew
	}
	return state
}

func (t *PionTransport) ICEGatheringState() domain.CandidateGenerationState {
	switch t.pc.ICEGatheringState() {
	case webrtc.ICEGatheringStateGathering:
		return domain.CandidateGenerationGathering
	case webrtc.ICEGatheringStateComplete:
		return domain.CandidateGenerationCompleted
	default:
		return domain.CandidateGenerationNew
	}
}

// CreateOffer creates and applies a local offer. Without trickle the offer
// is returned once candidate gathering has completed so it carries every
// candidate.
func (t *PionTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if t.closed.Load() {
		return webrtc.SessionDescription{}, errTransportClosed
	}
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return t.applyLocal(ctx, offer)
}

func (t *PionTransport) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if t.closed.Load() {
		return webrtc.SessionDescription{}, errTransportClosed
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to apply remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return t.applyLocal(ctx, answer)
}

func (t *PionTransport) applyLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var gathered <-chan struct{}
	if !t.trickle {
		gathered = webrtc.GatheringCompletePromise(t.pc)
	}
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to apply local %s: %w", desc.Type, err)
	}
	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}
	if local := t.pc.LocalDescription(); local != nil {
		return *local, nil
	}
	return desc, nil
}

func (t *PionTransport) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to apply remote answer: %w", err)
	}
	return nil
}

func (t *PionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// AddTrack adds a local track and drains the RTCP its sender receives.
func (t *PionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track %s: %w", track.ID(), err)
	}
	go t.readSenderRTCP(track.Kind().String(), sender)
	return nil
}

func (t *PionTransport) CreateDataChannel(label string) (*webrtc.DataChannel, error) {
	ordered := true
	return t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
}

// Close closes the peer connection and reports both closed states exactly
// once, whether or not pion reports them itself.
func (t *PionTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.pc.Close()
		t.emitSignaling(domain.SignalingClosed)
		t.emitICE(domain.ICEClosed)
		t.logger.Debugw("transport closed", "error", t.closeErr)
	})
	return t.closeErr
}

func (t *PionTransport) emitSignaling(s domain.SignalingState) {
	if s == domain.SignalingClosed && !t.sigClosedSent.CompareAndSwap(false, true) {
		return
	}
	if o := t.currentObserver(); o != nil {
		o.OnSignalingStateChange(s)
	}
}

func (t *PionTransport) emitICE(s domain.ICEConnectionState) {
	if s == domain.ICEClosed && !t.iceClosedSent.CompareAndSwap(false, true) {
		return
	}
	if o := t.currentObserver(); o != nil {
		o.OnICEConnectionStateChange(s)
	}
}

func (t *PionTransport) handleICECandidate(c *webrtc.ICECandidate) {
	o := t.currentObserver()
	if o == nil {
		return
	}
	if c == nil {
		o.OnICECandidate(nil)
		return
	}
	candidate := c.ToJSON()
	o.OnICECandidate(&candidate)
}

// handleTrack reports a remote track and starts reading it
func (t *PionTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	t.logger.Infow("remote track started",
		"stream_id", track.StreamID(),
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)
	if o := t.currentObserver(); o != nil {
		o.OnRemoteStream(domain.RemoteStream{
			StreamID: track.StreamID(),
			TrackID:  track.ID(),
			Kind:     kind,
		})
	}
	go t.readReceiverRTCP(kind, receiver)
	go t.readTrack(track)
}

// readTrack consumes RTP from a remote track. For video it requests a
// keyframe when none has been seen for a while.
func (t *PionTransport) readTrack(track *webrtc.TrackRemote) {
	kind := track.Kind().String()
	keyframes := newKeyframeTracker(track.Codec().MimeType)
	packets := 0

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			t.logger.Debugw("remote track ended", "track_id", track.ID(), "packets", packets, "error", err)
			return
		}
		packets++
		t.media.RecordRTPPacket(kind, len(pkt.Payload))

		if track.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if keyframes.observe(pkt) {
			t.requestKeyframe(uint32(track.SSRC()))
		}
	}
}

func (t *PionTransport) requestKeyframe(ssrc uint32) {
	if t.closed.Load() {
		return
	}
	err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	if err != nil {
		t.logger.Debugw("failed to request keyframe", "ssrc", ssrc, "error", err)
		return
	}
	t.media.RecordRTCPPacket("pli_sent")
}

func (t *PionTransport) readReceiverRTCP(kind string, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		t.processRTCP(kind, packets)
	}
}

func (t *PionTransport) readSenderRTCP(kind string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		t.processRTCP(kind, packets)
	}
}

func (t *PionTransport) processRTCP(kind string, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			t.media.RecordRTCPPacket("receiver_report")
			for _, report := range p.Reports {
				t.logger.Debugw("receiver report",
					"kind", kind,
					"ssrc", report.SSRC,
					"fraction_lost", report.FractionLost,
					"jitter", report.Jitter,
				)
			}
		case *rtcp.SenderReport:
			t.media.RecordRTCPPacket("sender_report")
		case *rtcp.TransportLayerNack:
			t.media.RecordRTCPPacket("nack")
		case *rtcp.PictureLossIndication:
			t.media.RecordRTCPPacket("pli_received")
		}
	}
}

func mapSignalingState(s webrtc.SignalingState) (domain.SignalingState, bool) {
	switch s {
	case webrtc.SignalingStateStable:
		return domain.SignalingStable, true
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		return domain.SignalingHaveLocalOffer, true
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		return domain.SignalingHaveRemoteOffer, true
	case webrtc.SignalingStateClosed:
		return domain.SignalingClosed, true
	default:
		return "", false
	}
}

func mapICEConnectionState(s webrtc.ICEConnectionState) (domain.ICEConnectionState, bool) {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return domain.ICENew, true
	case webrtc.ICEConnectionStateChecking:
		return domain.ICEChecking, true
	case webrtc.ICEConnectionStateConnected:
		return domain.ICEConnected, true
	case webrtc.ICEConnectionStateCompleted:
		return domain.ICECompleted, true
	case webrtc.ICEConnectionStateFailed:
		return domain.ICEFailed, true
	case webrtc.ICEConnectionStateDisconnected:
		return domain.ICEDisconnected, true
	case webrtc.ICEConnectionStateClosed:
		return domain.ICEClosed, true
	default:
		return "", false
	}
}

func mapGatheringState(s webrtc.ICEGathererState) (domain.CandidateGenerationState, bool) {
	switch s {
	case webrtc.ICEGathererStateNew:
		return domain.CandidateGenerationNew, true
	case webrtc.ICEGathererStateGathering:
		return domain.CandidateGenerationGathering, true
	case webrtc.ICEGathererStateComplete:
		return domain.CandidateGenerationCompleted, true
	default:
		return "", false
	}
}
