package webrtc

import (
	"fmt"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DataChannelLabel names the channel opened towards every peer.
const DataChannelLabel = "peerlink"

// MessageHandler receives data channel messages.
type MessageHandler func(peerID domain.PeerID, data []byte)

// DataChannelManager keeps one data channel per peer.
type DataChannelManager struct {
	mu       sync.RWMutex
	channels map[domain.PeerID]*webrtc.DataChannel
	onMsg    MessageHandler

	logger *zap.SugaredLogger
}

var _ ports.DataChannels = (*DataChannelManager)(nil)

func NewDataChannelManager(onMessage MessageHandler, logger *zap.SugaredLogger) *DataChannelManager {
	if onMessage == nil {
		onMessage = func(domain.PeerID, []byte) {}
	}
	return &DataChannelManager{
		channels: make(map[domain.PeerID]*webrtc.DataChannel),
		onMsg:    onMessage,
		logger:   logger,
	}
}

// Open creates the channel on the offering side.
func (m *DataChannelManager) Open(peerID domain.PeerID, t ports.Transport, closed func() bool) error {
	dc, err := t.CreateDataChannel(DataChannelLabel)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	m.register(peerID, dc, closed)
	return nil
}

// Accept adopts a channel announced by the remote peer.
func (m *DataChannelManager) Accept(peerID domain.PeerID, dc *webrtc.DataChannel, closed func() bool) {
	if dc.Label() != DataChannelLabel {
		m.logger.Warnw("ignoring data channel with unexpected label", "peer_id", peerID, "label", dc.Label())
		return
	}
	m.register(peerID, dc, closed)
}

func (m *DataChannelManager) register(peerID domain.PeerID, dc *webrtc.DataChannel, closed func() bool) {
	dc.OnOpen(func() {
		m.logger.Infow("data channel open", "peer_id", peerID, "label", dc.Label())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if closed() {
			return
		}
		m.onMsg(peerID, msg.Data)
	})
	dc.OnClose(func() {
		m.mu.Lock()
		if m.channels[peerID] == dc {
			delete(m.channels, peerID)
		}
		m.mu.Unlock()
		m.logger.Debugw("data channel closed", "peer_id", peerID)
	})

	m.mu.Lock()
	prev := m.channels[peerID]
	m.channels[peerID] = dc
	m.mu.Unlock()
	if prev != nil && prev != dc {
		_ = prev.Close()
	}
}

// Close closes the channel to peerID, if any.
func (m *DataChannelManager) Close(peerID domain.PeerID) {
	m.mu.Lock()
	dc, ok := m.channels[peerID]
	delete(m.channels, peerID)
	m.mu.Unlock()
	if ok {
		if err := dc.Close(); err != nil {
			m.logger.Debugw("failed to close data channel", "peer_id", peerID, "error", err)
		}
	}
}

// Send writes data to the channel of peerID.
func (m *DataChannelManager) Send(peerID domain.PeerID, data []byte) error {
	m.mu.RLock()
	dc, ok := m.channels[peerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s: %w", peerID, domain.ErrNoExistingConnection)
	}
	return dc.Send(data)
}

// Broadcast writes data to every open channel and returns the number of
// peers it reached.
func (m *DataChannelManager) Broadcast(data []byte) int {
	m.mu.RLock()
	targets := make(map[domain.PeerID]*webrtc.DataChannel, len(m.channels))
	for id, dc := range m.channels {
		targets[id] = dc
	}
	m.mu.RUnlock()

	sent := 0
	for id, dc := range targets {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.Send(data); err != nil {
			m.logger.Debugw("failed to send on data channel", "peer_id", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (m *DataChannelManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}
