package services

import (
	"context"
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addReceiveOnlyPeer(t *testing.T, h *harness, id domain.PeerID) *fakeTransport {
	t.Helper()
	require.NoError(t, h.session.AddPeer(context.Background(), id, nil, domain.ConnectionRole{ReceiveOnly: true}))
	return h.transports.last(id)
}

func TestRestart_RecreatesAfterClosure(t *testing.T) {
	h := newHarness(t, nil, nil)
	events := recordEvents(h.session.Bus(),
		domain.EventSignalingState,
		domain.EventICEConnectionState,
		domain.EventStreamEnded,
		domain.EventPeerRestart,
	)

	old := addReceiveOnlyPeer(t, h, "a")
	old.obs().OnRemoteStream(domain.RemoteStream{StreamID: "s1", Kind: "audio"})

	completed := false
	err := h.session.Restarts().Restart(context.Background(), "a", true, true, func() { completed = true })
	require.NoError(t, err)
	assert.True(t, completed)

	assert.Equal(t, 1, old.closed())
	assert.Equal(t, 1, events.count(domain.EventSignalingState, string(domain.SignalingClosed)))
	assert.Equal(t, 1, events.count(domain.EventICEConnectionState, string(domain.ICEClosed)))
	assert.Len(t, events.find(domain.EventStreamEnded), 1)

	rec, ok := h.session.Registry().Get("a")
	require.True(t, ok)
	assert.NotSame(t, old, rec.Transport())
	assert.True(t, rec.ReceiveOnly())
	assert.True(t, h.transports.last("a").cfg.ReceiveOnly)
	assert.False(t, rec.HasStream())
	assert.True(t, h.session.Monitor().Active("a"))

	restarts := h.signaler.ofType(domain.MessageRestart)
	require.Len(t, restarts, 1)
	assert.Equal(t, domain.PeerID("a"), restarts[0].Target)
	assert.True(t, restarts[0].IsConnectionRestart)
	assert.True(t, restarts[0].ReceiveOnly)
	assert.Equal(t, h.session.Restarts().LastRestart().UnixMilli(), restarts[0].LastRestart)
	assert.Empty(t, h.signaler.ofType(domain.MessageOffer))

	restarted := events.find(domain.EventPeerRestart)
	require.Len(t, restarted, 1)
	assert.True(t, restarted[0].Flag)
	assert.Equal(t, 1, h.metrics.restartCount("connectivity"))
	assert.False(t, h.session.Registry().Restarting("a"))
}

func TestRestart_RemoteRequestRecreatesAsOfferer(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.addPeer("a", false)

	require.NoError(t, h.session.Restarts().Restart(context.Background(), "a", false, false, nil))

	offers := h.signaler.ofType(domain.MessageOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.PeerID("a"), offers[0].Target)
	assert.Empty(t, h.signaler.ofType(domain.MessageRestart))
	assert.Equal(t, 1, h.metrics.restartCount("refresh"))
}

func TestRestart_WaitsForBothClosures(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.transports.setSilent(true)
	old := h.addPeer("a", true)
	h.transports.setSilent(false)

	done := make(chan error, 1)
	go func() { done <- h.session.Restarts().Restart(context.Background(), "a", true, false, nil) }()

	require.Eventually(t, func() bool { return old.closed() == 1 }, waitFor, tick)
	select {
	case <-done:
		t.Fatal("restart finished before the transport confirmed closure")
	case <-time.After(50 * time.Millisecond):
	}

	old.emitSignaling(domain.SignalingClosed)
	select {
	case <-done:
		t.Fatal("restart finished before ICE confirmed closure")
	case <-time.After(50 * time.Millisecond):
	}
	_, ok := h.session.Registry().Get("a")
	assert.True(t, ok, "record must stay registered until closure is confirmed")

	old.emitICE(domain.ICEClosed)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("restart did not finish")
	}
	assert.Equal(t, 2, h.transports.count())
}

func TestRestart_AlreadyClosedTransport(t *testing.T) {
	h := newHarness(t, nil, nil)
	old := h.addPeer("a", true)
	require.NoError(t, old.Close())

	require.NoError(t, h.session.Restarts().Restart(context.Background(), "a", true, false, nil))

	assert.Equal(t, 1, old.closed())
	assert.Equal(t, 2, h.transports.count())
}

func TestRestart_DefaultDelayBeforeRecreation(t *testing.T) {
	h := newHarness(t, clock.New(), func(cfg *SessionConfig) { cfg.Restart = DefaultRestartConfig() })
	h.addPeer("a", true)

	start := time.Now()
	require.NoError(t, h.session.Restarts().Restart(context.Background(), "a", true, false, nil))

	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRestart_ConcurrentRestartRejected(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.transports.setSilent(true)
	old := h.addPeer("a", true)
	h.transports.setSilent(false)

	done := make(chan error, 1)
	go func() { done <- h.session.Restarts().Restart(context.Background(), "a", true, false, nil) }()
	require.Eventually(t, func() bool { return old.closed() == 1 }, waitFor, tick)

	err := h.session.Restarts().Restart(context.Background(), "a", true, false, nil)
	assert.ErrorIs(t, err, domain.ErrRestartInProgress)

	old.emitSignaling(domain.SignalingClosed)
	old.emitICE(domain.ICEClosed)
	require.NoError(t, <-done)
	assert.Equal(t, 2, h.transports.count())
	assert.Len(t, h.signaler.ofType(domain.MessageRestart), 1)
}

func TestRestart_RemovePeerAbortsRecreation(t *testing.T) {
	t.Run("while closing", func(t *testing.T) {
		h := newHarness(t, nil, nil)
		events := recordEvents(h.session.Bus(), domain.EventPeerLeft)
		h.transports.setSilent(true)
		old := h.addPeer("a", true)

		done := make(chan error, 1)
		go func() { done <- h.session.Restarts().Restart(context.Background(), "a", true, false, nil) }()
		require.Eventually(t, func() bool { return old.closed() == 1 }, waitFor, tick)

		require.NoError(t, h.session.RemovePeer("a"))
		old.emitSignaling(domain.SignalingClosed)
		old.emitICE(domain.ICEClosed)

		assert.ErrorIs(t, <-done, domain.ErrRestartAborted)
		_, ok := h.session.Registry().Get("a")
		assert.False(t, ok)
		assert.Equal(t, 1, h.transports.count())
		assert.Len(t, events.find(domain.EventPeerLeft), 1)
		assert.False(t, h.session.Registry().Restarting("a"))
	})

	t.Run("while waiting to recreate", func(t *testing.T) {
		h := newHarness(t, nil, func(cfg *SessionConfig) { cfg.Restart.RecreateDelay = 200 * time.Millisecond })
		h.addPeer("a", true)

		done := make(chan error, 1)
		go func() { done <- h.session.Restarts().Restart(context.Background(), "a", true, false, nil) }()
		require.Eventually(t, func() bool {
			_, ok := h.session.Registry().Get("a")
			return !ok
		}, waitFor, tick)

		require.NoError(t, h.session.RemovePeer("a"))

		assert.ErrorIs(t, <-done, domain.ErrRestartAborted)
		assert.Equal(t, 1, h.transports.count())
		assert.Empty(t, h.signaler.ofType(domain.MessageRestart))
	})
}

func TestRestart_UnknownPeer(t *testing.T) {
	h := newHarness(t, nil, nil)

	err := h.session.Restarts().Restart(context.Background(), "ghost", true, false, nil)

	assert.ErrorIs(t, err, domain.ErrNoExistingConnection)
	assert.True(t, h.session.Restarts().LastRestart().IsZero())
}

func TestRefresh_ThrottlesBursts(t *testing.T) {
	h := newHarness(t, nil, nil)
	old := h.addPeer("a", true)

	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, h.session.RefreshConnection(context.Background(), "a"))
	}

	assert.NoError(t, errs[0])
	for _, err := range errs[1:] {
		assert.ErrorIs(t, err, domain.ErrRefreshThrottled)
	}
	h.waitRecreated("a", old)
	h.session.Restarts().Wait()
	assert.Equal(t, 2, h.transports.count())
	assert.Len(t, h.signaler.ofType(domain.MessageRestart), 1)
}

func TestRefresh_ThrottleWindowReopens(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, mock, nil)

	assert.ErrorIs(t, h.session.RefreshConnection(context.Background(), "ghost"), domain.ErrNoExistingConnection)
	assert.ErrorIs(t, h.session.RefreshConnection(context.Background(), "ghost"), domain.ErrRefreshThrottled)

	mock.Add(6 * time.Second)
	assert.ErrorIs(t, h.session.RefreshConnection(context.Background(), "ghost"), domain.ErrNoExistingConnection)
}

func TestRefresh_CooldownRejects(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.addPeer("a", true)
	require.NoError(t, h.session.Restarts().Restart(context.Background(), "a", true, true, nil))
	last := h.session.Restarts().LastRestart()

	err := h.session.RefreshConnection(context.Background(), "a")

	assert.ErrorIs(t, err, domain.ErrRestartCooldown)
	assert.Equal(t, last, h.session.Restarts().LastRestart())
	h.session.Restarts().Wait()
	assert.Equal(t, 2, h.transports.count())
}

func TestRefresh_AllPeers(t *testing.T) {
	h := newHarness(t, nil, nil)
	a := h.addPeer("a", true)
	b := h.addPeer("b", false)

	require.NoError(t, h.session.RefreshConnection(context.Background(), ""))
	h.waitRecreated("a", a)
	h.waitRecreated("b", b)
	h.session.Restarts().Wait()

	assert.Equal(t, 4, h.transports.count())
	restarts := h.signaler.ofType(domain.MessageRestart)
	require.Len(t, restarts, 2)
	for _, msg := range restarts {
		assert.False(t, msg.IsConnectionRestart)
	}
}

func TestRefresh_UnknownPeer(t *testing.T) {
	h := newHarness(t, nil, nil)

	err := h.session.RefreshConnection(context.Background(), "ghost")

	assert.ErrorIs(t, err, domain.ErrNoExistingConnection)
}

func TestRefresh_UnsupportedWithMediaRelay(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.addPeer(domain.MCUPeerID, false)
	require.True(t, h.session.MCUPresent())

	err := h.session.RefreshConnection(context.Background(), "")

	assert.ErrorIs(t, err, domain.ErrUnsupportedTopology)
	assert.Equal(t, 1, h.transports.count())
}
