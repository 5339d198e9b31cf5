package services

import (
	"sync"
	"time"

	"peerlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// HealthTimeouts bound how long a connection may take to stabilize.
type HealthTimeouts struct {
	Offerer   time.Duration
	Answerer  time.Duration
	NoTrickle time.Duration
	MCU       time.Duration
}

func DefaultHealthTimeouts() HealthTimeouts {
	return HealthTimeouts{
		Offerer:   12500 * time.Millisecond,
		Answerer:  10 * time.Second,
		NoTrickle: 50 * time.Second,
		MCU:       105 * time.Second,
	}
}

type watchdog struct {
	timer *clock.Timer
	seq   uint64
}

// HealthMonitor keeps at most one watchdog per peer. A watchdog that expires
// before it is stopped reports the peer through onExpire.
type HealthMonitor struct {
	clock      clock.Clock
	timeouts   HealthTimeouts
	mcuPresent func() bool
	onExpire   func(domain.PeerID)

	mu        sync.Mutex
	seq       uint64
	watchdogs map[domain.PeerID]*watchdog

	logger *zap.SugaredLogger
}

func NewHealthMonitor(clk clock.Clock, timeouts HealthTimeouts, logger *zap.SugaredLogger) *HealthMonitor {
	return &HealthMonitor{
		clock:      clk,
		timeouts:   timeouts,
		mcuPresent: func() bool { return false },
		onExpire:   func(domain.PeerID) {},
		watchdogs:  make(map[domain.PeerID]*watchdog),
		logger:     logger,
	}
}

// Timeout returns the stabilization window for a connection.
func (m *HealthMonitor) Timeout(toOffer, trickle bool) time.Duration {
	switch {
	case m.mcuPresent():
		return m.timeouts.MCU
	case !trickle:
		return m.timeouts.NoTrickle
	case toOffer:
		return m.timeouts.Offerer
	default:
		return m.timeouts.Answerer
	}
}

// Start arms the watchdog for id, replacing any previous one.
func (m *HealthMonitor) Start(id domain.PeerID, toOffer, trickle bool) {
	timeout := m.Timeout(toOffer, trickle)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.watchdogs[id]; ok {
		prev.timer.Stop()
	}
	m.seq++
	seq := m.seq
	wd := &watchdog{seq: seq}
	wd.timer = m.clock.AfterFunc(timeout, func() { m.expire(id, seq) })
	m.watchdogs[id] = wd

	m.logger.Debugw("health watchdog started",
		"peer_id", id,
		"timeout", timeout,
		"to_offer", toOffer,
	)
}

// Stop cancels the watchdog for id. It returns false if none was active.
func (m *HealthMonitor) Stop(id domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	wd, ok := m.watchdogs[id]
	if !ok {
		return false
	}
	wd.timer.Stop()
	delete(m.watchdogs, id)
	m.logger.Debugw("health watchdog stopped", "peer_id", id)
	return true
}

// Active reports whether a watchdog is armed for id.
func (m *HealthMonitor) Active(id domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watchdogs[id]
	return ok
}

// StopAll cancels every watchdog.
func (m *HealthMonitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, wd := range m.watchdogs {
		wd.timer.Stop()
		delete(m.watchdogs, id)
	}
}

func (m *HealthMonitor) expire(id domain.PeerID, seq uint64) {
	m.mu.Lock()
	wd, ok := m.watchdogs[id]
	if !ok || wd.seq != seq {
		// stopped or replaced after the timer fired
		m.mu.Unlock()
		return
	}
	delete(m.watchdogs, id)
	m.mu.Unlock()

	m.logger.Warnw("peer connection did not stabilize in time", "peer_id", id)
	m.onExpire(id)
}
