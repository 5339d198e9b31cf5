package services

import (
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// PeerConnection is the record of one active or restarting peer. It owns its
// transport exclusively and is owned by the PeerRegistry.
type PeerConnection struct {
	id        domain.PeerID
	transport ports.Transport
	createdAt time.Time

	mu                 sync.RWMutex
	receiveOnly        bool
	hasStream          bool
	dataChannelClosed  bool
	health             bool
	iceTrickleDisabled bool
	signalingState     domain.SignalingState
	iceState           domain.ICEConnectionState
}

func newPeerConnection(id domain.PeerID, t ports.Transport, receiveOnly bool, createdAt time.Time) *PeerConnection {
	return &PeerConnection{
		id:             id,
		transport:      t,
		createdAt:      createdAt,
		receiveOnly:    receiveOnly,
		signalingState: domain.SignalingStable,
		iceState:       domain.ICENew,
	}
}

func (p *PeerConnection) ID() domain.PeerID          { return p.id }
func (p *PeerConnection) Transport() ports.Transport { return p.transport }
func (p *PeerConnection) CreatedAt() time.Time       { return p.createdAt }

func (p *PeerConnection) ReceiveOnly() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.receiveOnly
}

func (p *PeerConnection) HasStream() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasStream
}

func (p *PeerConnection) setHasStream() {
	p.mu.Lock()
	p.hasStream = true
	p.mu.Unlock()
}

// DataChannelClosed reports whether the record is being torn down.
func (p *PeerConnection) DataChannelClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dataChannelClosed
}

// markDataChannelClosed must be called before the transport is closed.
func (p *PeerConnection) markDataChannelClosed() {
	p.mu.Lock()
	p.dataChannelClosed = true
	p.mu.Unlock()
}

func (p *PeerConnection) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// markHealthy returns true only for the call that flipped health to true.
func (p *PeerConnection) markHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.health {
		return false
	}
	p.health = true
	return true
}

func (p *PeerConnection) clearHealth() {
	p.mu.Lock()
	p.health = false
	p.mu.Unlock()
}

func (p *PeerConnection) ICETrickleDisabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.iceTrickleDisabled
}

func (p *PeerConnection) disableICETrickle() {
	p.mu.Lock()
	p.iceTrickleDisabled = true
	p.mu.Unlock()
}

func (p *PeerConnection) SignalingState() domain.SignalingState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signalingState
}

func (p *PeerConnection) ICEConnectionState() domain.ICEConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.iceState
}

// setSignalingState records s and returns the ICE state observed with it.
func (p *PeerConnection) setSignalingState(s domain.SignalingState) domain.ICEConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signalingState = s
	return p.iceState
}

// setICEState records s and returns the signaling state observed with it.
func (p *PeerConnection) setICEState(s domain.ICEConnectionState) domain.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iceState = s
	return p.signalingState
}

func (p *PeerConnection) snapshot() domain.PeerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return domain.PeerSnapshot{
		ID:                 p.id,
		SignalingState:     p.signalingState,
		ICEConnectionState: p.iceState,
		ReceiveOnly:        p.receiveOnly,
		HasStream:          p.hasStream,
		Healthy:            p.health,
		ICETrickleDisabled: p.iceTrickleDisabled,
	}
}
