package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while no relay connection is up.
var ErrNotConnected = errors.New("signaling channel not connected")

// Handler consumes inbound signaling messages.
type Handler func(ctx context.Context, msg *domain.Message) error

// WebSocketConfig describes the relay endpoint and the connection timeouts.
type WebSocketConfig struct {
	URL          string
	RoomID       string
	PeerID       domain.PeerID
	Header       http.Header
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Reconnect    retry.Config
}

// WebSocketSignaler exchanges signaling messages with the relay over a
// single WebSocket and reconnects when the connection drops.
type WebSocketSignaler struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer

	mu   sync.RWMutex
	conn *websocket.Conn
	// writeMu serialises writers; gorilla allows one at a time.
	writeMu sync.Mutex

	onConnect func(ctx context.Context, reconnect bool)
	closed    atomic.Bool

	logger *zap.SugaredLogger
}

var _ ports.Signaler = (*WebSocketSignaler)(nil)

func NewWebSocketSignaler(cfg WebSocketConfig, logger *zap.SugaredLogger) *WebSocketSignaler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &WebSocketSignaler{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// OnConnect registers fn to run after every successful dial. The session
// uses it to announce itself to the room again.
func (s *WebSocketSignaler) OnConnect(fn func(ctx context.Context, reconnect bool)) {
	s.onConnect = fn
}

func (s *WebSocketSignaler) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("rid", s.cfg.RoomID)
	q.Set("mid", string(s.cfg.PeerID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the relay, retrying with backoff.
func (s *WebSocketSignaler) Connect(ctx context.Context) error {
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}
	return retry.Do(ctx, s.cfg.Reconnect, func(ctx context.Context) error {
		if s.closed.Load() {
			return retry.Permanent(ErrNotConnected)
		}
		conn, resp, err := s.dialer.DialContext(ctx, endpoint, s.cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
			}
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		s.logger.Warnw("relay dial failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
}

func (s *WebSocketSignaler) current() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Connected reports whether a relay connection is up.
func (s *WebSocketSignaler) Connected() bool {
	return s.current() != nil
}

// Send writes msg to the relay. The write deadline is the earlier of the
// configured write timeout and the deadline of ctx.
func (s *WebSocketSignaler) Send(ctx context.Context, msg *domain.Message) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Run connects and feeds every inbound message to handle until ctx is
// done. A dropped connection is re-dialed.
func (s *WebSocketSignaler) Run(ctx context.Context, handle Handler) error {
	reconnect := false
	for {
		if s.current() == nil {
			if err := s.Connect(ctx); err != nil {
				return err
			}
		}
		conn := s.current()
		if conn == nil {
			return nil
		}
		s.logger.Infow("connected to relay", "url", s.cfg.URL, "room_id", s.cfg.RoomID, "reconnect", reconnect)
		if s.onConnect != nil {
			s.onConnect(ctx, reconnect)
		}

		err := s.readLoop(ctx, conn, handle)
		s.drop()
		if ctx.Err() != nil || s.closed.Load() {
			return nil
		}
		s.logger.Warnw("relay connection lost", "error", err)
		reconnect = true
	}
}

func (s *WebSocketSignaler) readLoop(ctx context.Context, conn *websocket.Conn, handle Handler) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
				s.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		msg := &domain.Message{}
		if err := conn.ReadJSON(msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if err := handle(ctx, msg); err != nil {
			s.logger.Debugw("failed to handle signaling message",
				"type", msg.Type,
				"from", msg.SenderID,
				"error", err,
			)
		}
	}
}

func (s *WebSocketSignaler) drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close sends a close frame and tears the connection down.
func (s *WebSocketSignaler) Close() error {
	s.closed.Store(true)
	conn := s.current()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.cfg.WriteTimeout))
	s.writeMu.Unlock()
	s.drop()
	return err
}
