package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RestartConfig holds the restart timing policy.
type RestartConfig struct {
	// RecreateDelay separates confirmed teardown from recreation so the
	// remote peer's teardown cannot arrive after our new offer.
	RecreateDelay time.Duration
	// Cooldown rejects refreshes requested too soon after the last restart.
	Cooldown time.Duration
	// RefreshThrottle admits at most one refresh per window.
	RefreshThrottle time.Duration
}

func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		RecreateDelay:   time.Second,
		Cooldown:        3 * time.Second,
		RefreshThrottle: 5 * time.Second,
	}
}

// RestartController tears down and recreates peer connections.
type RestartController struct {
	cfg        RestartConfig
	local      domain.LocalPeer
	registry   *PeerRegistry
	bus        *EventBus
	monitor    *HealthMonitor
	factory    *ConnectionFactory
	signaler   ports.Signaler
	metrics    ports.ConnectionMetrics
	clock      clock.Clock
	mcuPresent func() bool
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger

	// ctx bounds restarts started in the background.
	ctx      context.Context
	inflight sync.WaitGroup

	mu          sync.Mutex
	lastRestart time.Time
}

func newRefreshLimiter(window time.Duration) *rate.Limiter {
	if window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window), 1)
}

// LastRestart returns when the most recent restart started.
func (c *RestartController) LastRestart() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRestart
}

func (c *RestartController) setLastRestart(t time.Time) {
	c.mu.Lock()
	c.lastRestart = t
	c.mu.Unlock()
}

// RefreshConnection restarts the connection to peerID, or to every peer
// when peerID is empty. Restarts run in the background; the returned error
// reports requests rejected up front.
func (c *RestartController) RefreshConnection(ctx context.Context, peerID domain.PeerID) error {
	ctx, span := tracing.TraceConnection(ctx, "refresh", string(peerID))
	defer span.End()

	if c.mcuPresent() {
		c.logger.Warnw("refresh is not supported while a media relay is present", "peer_id", peerID)
		c.metrics.RecordRestartRejected("mcu")
		return domain.ErrUnsupportedTopology
	}

	now := c.clock.Now()
	if !c.limiter.AllowN(now, 1) {
		c.logger.Debugw("refresh dropped by throttle", "peer_id", peerID)
		c.metrics.RecordRestartRejected("throttled")
		return domain.ErrRefreshThrottled
	}

	targets := []domain.PeerID{peerID}
	if peerID == "" {
		targets = c.registry.IDs()
	}
	tracing.AddSpanAttributes(ctx, tracing.TargetsKey.Int(len(targets)))

	last := c.LastRestart()
	coolingDown := !last.IsZero() && now.Sub(last) < c.cfg.Cooldown

	var firstErr error
	for _, id := range targets {
		if _, ok := c.registry.Get(id); !ok {
			c.logger.Warnw("no connection to refresh", "peer_id", id)
			c.metrics.RecordRestartRejected("no_connection")
			if firstErr == nil {
				firstErr = fmt.Errorf("peer %s: %w", id, domain.ErrNoExistingConnection)
			}
			continue
		}
		if coolingDown {
			c.logger.Warnw("refresh rejected, last restart too recent",
				"peer_id", id,
				"since_last_restart", now.Sub(last),
			)
			c.metrics.RecordRestartRejected("cooldown")
			if firstErr == nil {
				firstErr = fmt.Errorf("peer %s: %w", id, domain.ErrRestartCooldown)
			}
			continue
		}
		c.RestartAsync(id, true, false)
	}
	return firstErr
}

// RestartAsync runs Restart in the background.
func (c *RestartController) RestartAsync(id domain.PeerID, selfInitiated, connectionRestart bool) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		_ = c.Restart(c.ctx, id, selfInitiated, connectionRestart, nil)
	}()
}

// Wait blocks until background restarts have returned.
func (c *RestartController) Wait() {
	c.inflight.Wait()
}

// Restart closes the connection to id, waits until the transport confirms
// both signaling and ICE closure, and recreates it under the same id.
func (c *RestartController) Restart(ctx context.Context, id domain.PeerID, selfInitiated, connectionRestart bool, onComplete func()) error {
	ctx, span := tracing.TraceRestart(ctx, string(id), selfInitiated, connectionRestart)
	defer span.End()

	rec, ok := c.registry.Get(id)
	if !ok {
		c.logger.Warnw("no connection to restart", "peer_id", id)
		c.metrics.RecordRestartRejected("no_connection")
		return fmt.Errorf("peer %s: %w", id, domain.ErrNoExistingConnection)
	}
	if !c.registry.BeginRestart(id) {
		c.logger.Warnw("restart already in progress", "peer_id", id)
		c.metrics.RecordRestartRejected("in_progress")
		return fmt.Errorf("peer %s: %w", id, domain.ErrRestartInProgress)
	}
	defer c.registry.EndRestart(id)

	startedAt := c.clock.Now()
	c.setLastRestart(startedAt)
	receiveOnly := rec.ReceiveOnly()
	t := rec.Transport()

	c.logger.Infow("restarting peer connection",
		"peer_id", id,
		"self_initiated", selfInitiated,
		"connection_restart", connectionRestart,
	)

	sigClosed, cancelSig := c.bus.Await(domain.EventSignalingState, stateIs(id, string(domain.SignalingClosed)))
	defer cancelSig()
	iceClosed, cancelICE := c.bus.Await(domain.EventICEConnectionState, stateIs(id, string(domain.ICEClosed)))
	defer cancelICE()

	rec.markDataChannelClosed()
	c.monitor.Stop(id)
	rec.clearHealth()

	sigDone := t.SignalingState() == domain.SignalingClosed
	iceDone := t.ICEConnectionState() == domain.ICEClosed
	if !sigDone {
		if err := t.Close(); err != nil {
			c.logger.Warnw("failed to close transport", "peer_id", id, "error", err)
		}
	}
	if rec.HasStream() {
		c.bus.Publish(domain.Event{
			Name:   domain.EventStreamEnded,
			PeerID: id,
			Info:   c.registry.Info(id),
		})
	}

	if err := awaitClosed(ctx, sigClosed, iceClosed, sigDone, iceDone); err != nil {
		c.logger.Warnw("restart cancelled while waiting for transport closure", "peer_id", id, "error", err)
		tracing.RecordError(ctx, err)
		return err
	}

	c.registry.Discard(rec)
	c.metrics.SetActivePeers(c.registry.Len())

	select {
	case <-c.clock.After(c.cfg.RecreateDelay):
	case <-ctx.Done():
		c.logger.Warnw("restart cancelled before recreation", "peer_id", id)
		return ctx.Err()
	}

	if c.registry.RestartAborted(id) {
		c.logger.Infow("peer left during restart, not recreating", "peer_id", id)
		c.metrics.RecordRestartRejected("aborted")
		return fmt.Errorf("peer %s: %w", id, domain.ErrRestartAborted)
	}

	role := domain.ConnectionRole{ToOffer: !selfInitiated, Restart: true, ReceiveOnly: receiveOnly}
	if _, err := c.factory.CreateConnection(ctx, id, role); err != nil {
		// the peer stays absent until whoever notices the gap reconnects it
		c.logger.Errorw("failed to recreate peer connection", "peer_id", id, "error", err)
		tracing.RecordError(ctx, err)
		return err
	}

	if selfInitiated {
		msg := newMessage(c.local, domain.MessageRestart, id)
		msg.ReceiveOnly = receiveOnly
		msg.IsConnectionRestart = connectionRestart
		msg.LastRestart = startedAt.UnixMilli()
		if err := c.signaler.Send(ctx, msg); err != nil {
			c.logger.Warnw("failed to send restart message", "peer_id", id, "error", err)
		}
	}

	reason := "refresh"
	if connectionRestart {
		reason = "connectivity"
	}
	c.metrics.RecordRestart(reason)
	c.bus.Publish(domain.Event{
		Name:   domain.EventPeerRestart,
		PeerID: id,
		Info:   c.registry.Info(id),
		Flag:   true,
	})
	c.logger.Infow("peer connection restarted", "peer_id", id, "took", c.clock.Since(startedAt))

	if onComplete != nil {
		onComplete()
	}
	return nil
}

// awaitClosed joins the two closure notifications.
func awaitClosed(ctx context.Context, sigClosed, iceClosed <-chan domain.Event, sigDone, iceDone bool) error {
	for !sigDone || !iceDone {
		select {
		case <-sigClosed:
			sigDone, sigClosed = true, nil
		case <-iceClosed:
			iceDone, iceClosed = true, nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func stateIs(id domain.PeerID, state string) EventCondition {
	return func(e domain.Event) bool {
		return e.PeerID == id && e.State == state
	}
}
