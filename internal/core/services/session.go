package services

import (
	"context"
	"fmt"
	"sync/atomic"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SessionConfig configures one local endpoint in one room.
type SessionConfig struct {
	Local       domain.LocalPeer
	ReceiveOnly bool
	Factory     FactoryConfig
	Restart     RestartConfig
	Health      HealthTimeouts
}

// SessionDeps are the collaborators of a session. Media, Channels, Metrics
// and Clock are optional.
type SessionDeps struct {
	Transports ports.TransportFactory
	Signaler   ports.Signaler
	Media      ports.LocalMedia
	Channels   ports.DataChannels
	Metrics    ports.ConnectionMetrics
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
}

// Session holds every piece of mutable connection state of a local
// endpoint. Independent sessions share nothing.
type Session struct {
	cfg      SessionConfig
	bus      *EventBus
	registry *PeerRegistry
	monitor  *HealthMonitor
	factory  *ConnectionFactory
	restarts *RestartController
	signaler ports.Signaler
	channels ports.DataChannels
	metrics  ports.ConnectionMetrics
	logger   *zap.SugaredLogger

	mcuPresent atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession wires a session. Background restarts stop when ctx is done or
// the session is closed.
func NewSession(ctx context.Context, cfg SessionConfig, deps SessionDeps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("local_peer_id", cfg.Local.ID, "room_id", cfg.Local.RoomID)
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.Factory.ICEFailureThreshold <= 0 {
		cfg.Factory.ICEFailureThreshold = 3
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:      cfg,
		bus:      NewEventBus(logger.Named("bus")),
		registry: NewPeerRegistry(logger.Named("registry")),
		signaler: deps.Signaler,
		channels: deps.Channels,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	s.monitor = NewHealthMonitor(clk, cfg.Health, logger.Named("health"))
	s.monitor.mcuPresent = s.mcuPresent.Load
	s.monitor.onExpire = s.handleUnstable

	s.factory = &ConnectionFactory{
		cfg:        cfg.Factory,
		local:      cfg.Local,
		transports: deps.Transports,
		registry:   s.registry,
		bus:        s.bus,
		monitor:    s.monitor,
		signaler:   deps.Signaler,
		media:      deps.Media,
		channels:   deps.Channels,
		metrics:    metrics,
		clock:      clk,
		logger:     logger.Named("factory"),
	}

	s.restarts = &RestartController{
		cfg:        cfg.Restart,
		local:      cfg.Local,
		registry:   s.registry,
		bus:        s.bus,
		monitor:    s.monitor,
		factory:    s.factory,
		signaler:   deps.Signaler,
		metrics:    metrics,
		clock:      clk,
		mcuPresent: s.mcuPresent.Load,
		limiter:    newRefreshLimiter(cfg.Restart.RefreshThrottle),
		logger:     logger.Named("restart"),
		ctx:        ctx,
	}
	s.factory.restarter = s.restarts

	return s
}

func (s *Session) Bus() *EventBus               { return s.bus }
func (s *Session) Registry() *PeerRegistry      { return s.registry }
func (s *Session) Restarts() *RestartController { return s.restarts }
func (s *Session) Monitor() *HealthMonitor      { return s.monitor }
func (s *Session) Factory() *ConnectionFactory  { return s.factory }
func (s *Session) Local() domain.LocalPeer      { return s.cfg.Local }
func (s *Session) MCUPresent() bool             { return s.mcuPresent.Load() }

// Join announces this endpoint to the room.
func (s *Session) Join(ctx context.Context) error {
	msg := newMessage(s.cfg.Local, domain.MessageEnter, "")
	msg.ReceiveOnly = s.cfg.ReceiveOnly
	if err := s.signaler.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to announce session: %w", err)
	}
	s.logger.Infow("joined room")
	return nil
}

// Leave tells the room this endpoint is going away. Transports that do not
// announce disconnects, such as Redis pub/sub, rely on it.
func (s *Session) Leave(ctx context.Context) error {
	if err := s.signaler.Send(ctx, newMessage(s.cfg.Local, domain.MessageBye, "")); err != nil {
		return fmt.Errorf("failed to announce departure: %w", err)
	}
	s.logger.Infow("left room")
	return nil
}

// AddPeer creates the first connection to a peer. A peer being restarted
// gets its connection from the restart only.
func (s *Session) AddPeer(ctx context.Context, id domain.PeerID, info *domain.PeerInfo, role domain.ConnectionRole) error {
	if s.registry.Restarting(id) {
		s.logger.Warnw("not connecting while the connection restarts", "peer_id", id)
		return fmt.Errorf("peer %s: %w", id, domain.ErrRestartInProgress)
	}
	if info != nil {
		s.registry.SetInfo(id, info)
	}
	if id == domain.MCUPeerID {
		s.mcuPresent.Store(true)
	}
	if _, err := s.factory.CreateConnection(ctx, id, role); err != nil {
		return err
	}
	s.bus.Publish(domain.Event{
		Name:   domain.EventPeerJoined,
		PeerID: id,
		Info:   s.registry.Info(id),
	})
	return nil
}

// RefreshConnection restarts the connection to id, or to every peer when id
// is empty.
func (s *Session) RefreshConnection(ctx context.Context, id domain.PeerID) error {
	return s.restarts.RefreshConnection(ctx, id)
}

// RemovePeer tears down the connection to id without recreating it.
func (s *Session) RemovePeer(id domain.PeerID) error {
	rec, ok := s.registry.Get(id)
	aborted := s.registry.AbortRestart(id)
	if !ok && !aborted {
		s.logger.Warnw("no connection to remove", "peer_id", id)
		return fmt.Errorf("peer %s: %w", id, domain.ErrNoExistingConnection)
	}

	if id == domain.MCUPeerID {
		s.mcuPresent.Store(false)
	} else {
		s.bus.Publish(domain.Event{
			Name:   domain.EventPeerLeft,
			PeerID: id,
			Info:   s.registry.Info(id),
		})
	}

	s.monitor.Stop(id)
	if ok {
		rec.markDataChannelClosed()
		t := rec.Transport()
		if t.SignalingState() != domain.SignalingClosed {
			if err := t.Close(); err != nil {
				s.logger.Warnw("failed to close transport", "peer_id", id, "error", err)
			}
		}
		if rec.HasStream() {
			s.bus.Publish(domain.Event{
				Name:   domain.EventStreamEnded,
				PeerID: id,
				Info:   s.registry.Info(id),
			})
		}
		s.registry.Discard(rec)
	}
	s.registry.Forget(id)
	if s.cfg.Factory.DataChannel && s.channels != nil {
		s.channels.Close(id)
	}
	s.metrics.SetActivePeers(s.registry.Len())

	s.logger.Infow("peer removed", "peer_id", id, "restart_aborted", aborted)
	return nil
}

// Peers returns a snapshot of every registered peer.
func (s *Session) Peers() []domain.PeerSnapshot {
	ids := s.registry.IDs()
	out := make([]domain.PeerSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.registry.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// Peer returns the snapshot of one peer.
func (s *Session) Peer(id domain.PeerID) (domain.PeerSnapshot, bool) {
	return s.registry.Snapshot(id)
}

// Close removes every peer and waits for background restarts to return.
func (s *Session) Close() {
	s.cancel()
	s.registry.ForEach(func(id domain.PeerID) {
		_ = s.RemovePeer(id)
	})
	s.restarts.Wait()
	s.monitor.StopAll()
	s.logger.Infow("session closed")
}

func (s *Session) handleUnstable(id domain.PeerID) {
	rec, ok := s.registry.Get(id)
	if !ok || rec.Healthy() {
		return
	}
	s.restarts.RestartAsync(id, true, true)
}

type noopMetrics struct{}

func (noopMetrics) RecordConnectionCreated(bool) {}
func (noopMetrics) RecordRestart(string)         {}
func (noopMetrics) RecordRestartRejected(string) {}
func (noopMetrics) RecordICEFailure()            {}
func (noopMetrics) RecordStabilized()            {}
func (noopMetrics) SetActivePeers(int)           {}
