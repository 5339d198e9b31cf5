package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/distributed"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope wraps a message published on a room channel. Instance lets a
// subscriber drop its own publications.
type envelope struct {
	Instance string          `json:"instance"`
	SentAt   time.Time       `json:"sent_at"`
	Message  *domain.Message `json:"message"`
}

// ErrPeerIDInUse is returned by Run when another process holds the peer id
// in the room.
var ErrPeerIDInUse = errors.New("peer id already in use in this room")

// RedisConfig names the channel namespace of the pub/sub signaler.
type RedisConfig struct {
	ChannelPrefix string
	RoomID        string
	PeerID        domain.PeerID
	// MemberTTL bounds how long the peer id stays claimed after the process
	// dies without releasing it.
	MemberTTL time.Duration
	Breaker   circuitbreaker.Config
}

// RedisSignaler uses one Redis pub/sub channel per room as the signaling
// channel. Peers in the same room need no relay process.
type RedisSignaler struct {
	client     redis.UniversalClient
	cfg        RedisConfig
	instanceID string
	breaker    *circuitbreaker.CircuitBreaker
	onConnect  func(ctx context.Context, reconnect bool)

	logger *zap.SugaredLogger
}

var _ ports.Signaler = (*RedisSignaler)(nil)

func NewRedisSignaler(client redis.UniversalClient, cfg RedisConfig, logger *zap.SugaredLogger) *RedisSignaler {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "peerlink"
	}
	if cfg.MemberTTL <= 0 {
		cfg.MemberTTL = 30 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	s := &RedisSignaler{
		client:     client,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		breaker:    circuitbreaker.New(cfg.Breaker, nil),
		logger:     logger,
	}
	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis publish breaker changed state", "from", from, "to", to)
	})
	return s
}

// OnConnect registers fn to run once the room subscription is confirmed.
// go-redis resubscribes on its own, so reconnect is always false.
func (s *RedisSignaler) OnConnect(fn func(ctx context.Context, reconnect bool)) {
	s.onConnect = fn
}

func roomChannel(prefix, roomID string) string {
	return prefix + ":room:" + roomID
}

func memberKey(prefix, roomID string, peerID domain.PeerID) string {
	return roomChannel(prefix, roomID) + ":member:" + string(peerID)
}

func encodeEnvelope(instance string, msg *domain.Message, now time.Time) ([]byte, error) {
	data, err := json.Marshal(&envelope{Instance: instance, SentAt: now, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeEnvelope(payload string) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if env.Message == nil || env.Message.Type == "" {
		return nil, fmt.Errorf("envelope from %q carries no message", env.Instance)
	}
	return &env, nil
}

// Send publishes msg on the room channel.
func (s *RedisSignaler) Send(ctx context.Context, msg *domain.Message) error {
	data, err := encodeEnvelope(s.instanceID, msg, time.Now())
	if err != nil {
		return err
	}
	channel := roomChannel(s.cfg.ChannelPrefix, s.cfg.RoomID)
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.client.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Type, err)
	}
	s.logger.Debugw("published signaling message", "type", msg.Type, "target", msg.Target, "channel", channel)
	return nil
}

// accept reports whether env should be delivered to this peer.
func (s *RedisSignaler) accept(env *envelope) bool {
	if env.Instance == s.instanceID {
		return false
	}
	return env.Message.Target == "" || env.Message.Target == s.cfg.PeerID
}

// Run claims the peer id, subscribes to the room channel and feeds inbound
// messages to handle until ctx is done.
func (s *RedisSignaler) Run(ctx context.Context, handle Handler) error {
	lease := distributed.NewLease(s.client, memberKey(s.cfg.ChannelPrefix, s.cfg.RoomID, s.cfg.PeerID), s.instanceID, s.cfg.MemberTTL)
	ok, err := lease.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", s.cfg.PeerID, ErrPeerIDInUse)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.logger.Warnw("failed to release peer id", "key", lease.Key(), "error", err)
		}
	}()

	channel := roomChannel(s.cfg.ChannelPrefix, s.cfg.RoomID)
	pubsub := s.client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	s.logger.Infow("subscribed to room channel", "channel", channel)
	if s.onConnect != nil {
		s.onConnect(ctx, false)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lease.Lost():
			return fmt.Errorf("%s: %w", s.cfg.PeerID, ErrPeerIDInUse)
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", channel)
			}
			env, err := decodeEnvelope(m.Payload)
			if err != nil {
				s.logger.Warnw("dropping malformed signaling payload", "channel", channel, "error", err)
				continue
			}
			if !s.accept(env) {
				continue
			}
			if err := handle(ctx, env.Message); err != nil {
				s.logger.Debugw("failed to handle signaling message",
					"type", env.Message.Type,
					"from", env.Message.SenderID,
					"error", err,
				)
			}
		}
	}
}
