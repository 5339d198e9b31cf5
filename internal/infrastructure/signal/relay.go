package signal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"peerlink/internal/core/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RelayConfig holds the connection timeouts of the relay.
type RelayConfig struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AllowedOrigins restricts the Origin header of upgrade requests. Empty
	// accepts every origin.
	AllowedOrigins []string
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// RelayMetrics counts relayed traffic.
type RelayMetrics interface {
	RecordRelayed(messageType string, delivered int)
	SetRelayConnections(n int)
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) RecordRelayed(string, int) {}
func (noopRelayMetrics) SetRelayConnections(int)   {}

// member is one WebSocket connection joined to a room.
type member struct {
	connID string
	peerID domain.PeerID
	roomID string
	conn   *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (m *member) write(msg *domain.Message) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = m.conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	return m.conn.WriteJSON(msg)
}

func (m *member) ping() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout))
}

// Relay forwards signaling messages between the members of a room. A message
// with a target goes to that member only, anything else to every other
// member of the sender's room.
type Relay struct {
	cfg      RelayConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[domain.PeerID]*member
	conns int

	metrics RelayMetrics
	logger  *zap.SugaredLogger
}

func NewRelay(cfg RelayConfig, metrics RelayMetrics, logger *zap.SugaredLogger) *Relay {
	if metrics == nil {
		metrics = noopRelayMetrics{}
	}
	defaults := DefaultRelayConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	r := &Relay{
		cfg:     cfg,
		rooms:   make(map[string]map[domain.PeerID]*member),
		metrics: metrics,
		logger:  logger,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	if len(r.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := req.Header.Get("Origin")
	for _, allowed := range r.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// HandleWebSocket serves one member. The room and the peer id are taken
// from the rid and mid query parameters.
func (r *Relay) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	roomID := req.URL.Query().Get("rid")
	peerID := domain.PeerID(req.URL.Query().Get("mid"))
	if roomID == "" || peerID == "" {
		http.Error(w, "rid and mid query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	m := &member{
		connID:       uuid.NewString(),
		peerID:       peerID,
		roomID:       roomID,
		conn:         conn,
		writeTimeout: r.cfg.WriteTimeout,
	}
	reconnect := r.join(m)
	r.logger.Infow("member joined",
		"room_id", roomID,
		"peer_id", peerID,
		"conn_id", m.connID,
		"reconnect", reconnect,
	)

	r.serve(m)

	if r.leave(m) {
		r.route(m, &domain.Message{Type: domain.MessageBye})
	}
	_ = conn.Close()
	r.logger.Infow("member left", "room_id", roomID, "peer_id", peerID, "conn_id", m.connID)
}

func (r *Relay) serve(m *member) {
	_ = m.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
	})

	messages := make(chan *domain.Message, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(messages)
		for {
			msg := &domain.Message{}
			if err := m.conn.ReadJSON(msg); err != nil {
				readErr <- err
				return
			}
			_ = m.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
			messages <- msg
		}
	}()

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				err := <-readErr
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					r.logger.Infow("error reading from member", "peer_id", m.peerID, "error", err)
				}
				return
			}
			if msg.Type == "" {
				r.logger.Debugw("dropping message without type", "peer_id", m.peerID)
				continue
			}
			r.route(m, msg)
		case <-pingTicker.C:
			if err := m.ping(); err != nil {
				r.logger.Infow("error sending ping", "peer_id", m.peerID, "error", err)
				return
			}
		}
	}
}

// join registers m, replacing an older connection of the same peer.
func (r *Relay) join(m *member) bool {
	r.mu.Lock()
	room, ok := r.rooms[m.roomID]
	if !ok {
		room = make(map[domain.PeerID]*member)
		r.rooms[m.roomID] = room
	}
	prev, reconnect := room[m.peerID]
	room[m.peerID] = m
	r.conns++
	n := r.conns
	r.mu.Unlock()

	if reconnect {
		_ = prev.conn.Close()
	}
	r.metrics.SetRelayConnections(n)
	return reconnect
}

// leave removes m and reports whether it was still the registered
// connection of its peer.
func (r *Relay) leave(m *member) bool {
	r.mu.Lock()
	r.conns--
	n := r.conns
	room := r.rooms[m.roomID]
	current := room[m.peerID] == m
	if current {
		delete(room, m.peerID)
		if len(room) == 0 {
			delete(r.rooms, m.roomID)
		}
	}
	r.mu.Unlock()

	r.metrics.SetRelayConnections(n)
	return current
}

// route stamps msg with the identity of its sender and delivers it.
func (r *Relay) route(from *member, msg *domain.Message) {
	msg.SenderID = from.peerID
	msg.RoomID = from.roomID

	r.mu.RLock()
	room := r.rooms[from.roomID]
	var targets []*member
	if msg.Target != "" {
		if t, ok := room[msg.Target]; ok {
			targets = append(targets, t)
		}
	} else {
		targets = make([]*member, 0, len(room))
		for id, t := range room {
			if id != from.peerID {
				targets = append(targets, t)
			}
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, t := range targets {
		if err := t.write(msg); err != nil {
			r.logger.Debugw("failed to deliver message",
				"type", msg.Type,
				"from", from.peerID,
				"to", t.peerID,
				"error", err,
			)
			continue
		}
		delivered++
	}
	if msg.Target != "" && delivered == 0 {
		r.logger.Debugw("target not connected", "type", msg.Type, "from", from.peerID, "target", msg.Target)
	}
	r.metrics.RecordRelayed(string(msg.Type), delivered)
}

// Members lists the peers connected to roomID.
func (r *Relay) Members(roomID string) []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.PeerID, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports the number of rooms and connections.
func (r *Relay) Stats() (rooms, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), r.conns
}

func (r *Relay) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	rooms, conns := r.Stats()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"rooms":       rooms,
		"connections": conns,
	}); err != nil {
		r.logger.Debugw("failed to write health response", "error", err)
	}
}

// Close disconnects every member.
func (r *Relay) Close() error {
	r.mu.RLock()
	var all []*member
	for _, room := range r.rooms {
		for _, m := range room {
			all = append(all, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range all {
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(m.writeTimeout))
		m.writeMu.Unlock()
		_ = m.conn.Close()
	}
	if len(all) > 0 {
		r.logger.Infow("relay closed", "connections", len(all))
	}
	return nil
}
