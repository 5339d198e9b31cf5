package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	id  domain.PeerID
	cfg ports.TransportConfig

	mu           sync.Mutex
	observer     ports.TransportObserver
	sigState     domain.SignalingState
	iceState     domain.ICEConnectionState
	silentClose  bool
	closeCalls   int
	remoteAnswer string
	candidates   []webrtc.ICECandidateInit
	tracks       int
}

func (t *fakeTransport) SetObserver(o ports.TransportObserver) {
	t.mu.Lock()
	t.observer = o
	t.mu.Unlock()
}

func (t *fakeTransport) SignalingState() domain.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sigState
}

func (t *fakeTransport) ICEConnectionState() domain.ICEConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iceState
}

func (t *fakeTransport) ICEGatheringState() domain.CandidateGenerationState {
	return domain.CandidateGenerationNew
}

func (t *fakeTransport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + string(t.id)}, nil
}

func (t *fakeTransport) AcceptOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (t *fakeTransport) AcceptAnswer(answer webrtc.SessionDescription) error {
	t.mu.Lock()
	t.remoteAnswer = answer.SDP
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	t.candidates = append(t.candidates, c)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) AddTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	t.tracks++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) CreateDataChannel(string) (*webrtc.DataChannel, error) {
	return nil, errors.New("not supported")
}

// Close moves both states to closed. Unless silentClose is set the matching
// notifications are emitted synchronously.
func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	already := t.sigState == domain.SignalingClosed
	t.sigState = domain.SignalingClosed
	t.iceState = domain.ICEClosed
	silent := t.silentClose
	t.mu.Unlock()

	if !already && !silent {
		t.emitSignaling(domain.SignalingClosed)
		t.emitICE(domain.ICEClosed)
	}
	return nil
}

func (t *fakeTransport) closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

func (t *fakeTransport) obs() ports.TransportObserver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observer
}

func (t *fakeTransport) emitSignaling(s domain.SignalingState) {
	t.mu.Lock()
	if s != domain.SignalingClosed {
		t.sigState = s
	}
	t.mu.Unlock()
	t.obs().OnSignalingStateChange(s)
}

func (t *fakeTransport) emitICE(s domain.ICEConnectionState) {
	t.mu.Lock()
	if s != domain.ICEClosed {
		t.iceState = s
	}
	t.mu.Unlock()
	t.obs().OnICEConnectionStateChange(s)
}

type fakeTransportFactory struct {
	mu      sync.Mutex
	err     error
	silent  bool
	created []*fakeTransport
}

func (f *fakeTransportFactory) NewTransport(id domain.PeerID, cfg ports.TransportConfig) (ports.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{
		id:          id,
		cfg:         cfg,
		sigState:    domain.SignalingStable,
		iceState:    domain.ICENew,
		silentClose: f.silent,
	}
	f.created = append(f.created, t)
	return t, nil
}

func (f *fakeTransportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// last returns the most recent transport allocated for id.
func (f *fakeTransportFactory) last(id domain.PeerID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].id == id {
			return f.created[i]
		}
	}
	return nil
}

// live returns the transports allocated for id that were never closed.
func (f *fakeTransportFactory) live(id domain.PeerID) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, t := range f.created {
		if t.id == id && t.closed() == 0 {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeTransportFactory) setSilent(silent bool) {
	f.mu.Lock()
	f.silent = silent
	f.mu.Unlock()
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []*domain.Message
}

func (s *fakeSignaler) Send(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) ofType(t domain.MessageType) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeMetrics struct {
	mu         sync.Mutex
	created    int
	restarts   map[string]int
	rejected   map[string]int
	failures   int
	stabilized int
	active     int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{restarts: map[string]int{}, rejected: map[string]int{}}
}

func (m *fakeMetrics) RecordConnectionCreated(bool) {
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordRestart(reason string) {
	m.mu.Lock()
	m.restarts[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordRestartRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordICEFailure() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordStabilized() {
	m.mu.Lock()
	m.stabilized++
	m.mu.Unlock()
}

func (m *fakeMetrics) SetActivePeers(n int) {
	m.mu.Lock()
	m.active = n
	m.mu.Unlock()
}

func (m *fakeMetrics) stabilizedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stabilized
}

func (m *fakeMetrics) restartCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts[reason]
}

type fakeChannels struct {
	mu       sync.Mutex
	opened   []domain.PeerID
	accepted []domain.PeerID
	closed   []domain.PeerID
}

func (c *fakeChannels) Open(id domain.PeerID, _ ports.Transport, _ func() bool) error {
	c.mu.Lock()
	c.opened = append(c.opened, id)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannels) Accept(id domain.PeerID, _ *webrtc.DataChannel, _ func() bool) {
	c.mu.Lock()
	c.accepted = append(c.accepted, id)
	c.mu.Unlock()
}

func (c *fakeChannels) Close(id domain.PeerID) {
	c.mu.Lock()
	c.closed = append(c.closed, id)
	c.mu.Unlock()
}

// eventLog records every event published under the given names.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func recordEvents(bus *EventBus, names ...domain.EventName) *eventLog {
	l := &eventLog{}
	for _, name := range names {
		bus.Subscribe(name, func(e domain.Event) {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) count(name domain.EventName, state string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Name == name && (state == "" || e.State == state) {
			n++
		}
	}
	return n
}

func (l *eventLog) find(name domain.EventName) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, e := range l.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	t          *testing.T
	session    *Session
	transports *fakeTransportFactory
	signaler   *fakeSignaler
	metrics    *fakeMetrics
	channels   *fakeChannels
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Local: domain.LocalPeer{
			ID:     "local",
			RoomID: "room-1",
			Agent:  domain.Agent{Name: "peerlink", Version: "test"},
		},
		Factory: FactoryConfig{
			TrickleICE:          true,
			ICEFailureThreshold: 3,
		},
		Restart: RestartConfig{
			RecreateDelay:   10 * time.Millisecond,
			Cooldown:        3 * time.Second,
			RefreshThrottle: 5 * time.Second,
		},
		Health: DefaultHealthTimeouts(),
	}
}

func newHarness(t *testing.T, clk clock.Clock, mutate func(*SessionConfig)) *harness {
	t.Helper()
	cfg := testSessionConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:          t,
		transports: &fakeTransportFactory{},
		signaler:   &fakeSignaler{},
		metrics:    newFakeMetrics(),
		channels:   &fakeChannels{},
	}
	h.session = NewSession(context.Background(), cfg, SessionDeps{
		Transports: h.transports,
		Signaler:   h.signaler,
		Channels:   h.channels,
		Metrics:    h.metrics,
		Clock:      clk,
		Logger:     zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) addPeer(id domain.PeerID, toOffer bool) *fakeTransport {
	h.t.Helper()
	err := h.session.AddPeer(context.Background(), id, &domain.PeerInfo{Agent: domain.Agent{Name: string(id)}}, domain.ConnectionRole{ToOffer: toOffer})
	require.NoError(h.t, err)
	tr := h.transports.last(id)
	require.NotNil(h.t, tr)
	return tr
}

// waitRecreated blocks until the restart of id has finished and its record
// is backed by a transport other than prev.
func (h *harness) waitRecreated(id domain.PeerID, prev *fakeTransport) *fakeTransport {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		rec, ok := h.session.Registry().Get(id)
		return ok && rec.Transport() != ports.Transport(prev) && !h.session.Registry().Restarting(id)
	}, waitFor, tick, fmt.Sprintf("connection to %s was not recreated", id))
	return h.transports.last(id)
}

func stabilize(tr *fakeTransport) {
	tr.emitICE(domain.ICEConnected)
	tr.emitSignaling(domain.SignalingStable)
}
