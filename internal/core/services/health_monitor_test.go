package services

import (
	"testing"
	"time"

	"peerlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMonitor(t *testing.T) (*HealthMonitor, *clock.Mock, chan domain.PeerID) {
	mock := clock.NewMock()
	m := NewHealthMonitor(mock, DefaultHealthTimeouts(), zaptest.NewLogger(t).Sugar())
	expired := make(chan domain.PeerID, 8)
	m.onExpire = func(id domain.PeerID) { expired <- id }
	return m, mock, expired
}

func expectNoExpiry(t *testing.T, expired <-chan domain.PeerID) {
	t.Helper()
	select {
	case id := <-expired:
		t.Fatalf("unexpected expiry for %s", id)
	case <-time.After(20 * time.Millisecond):
	}
}

func expectExpiry(t *testing.T, expired <-chan domain.PeerID, want domain.PeerID) {
	t.Helper()
	select {
	case id := <-expired:
		assert.Equal(t, want, id)
	case <-time.After(waitFor):
		t.Fatalf("watchdog for %s did not expire", want)
	}
}

func TestHealthMonitor_Timeout(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	mcu := false
	m.mcuPresent = func() bool { return mcu }

	tests := []struct {
		name    string
		mcu     bool
		toOffer bool
		trickle bool
		want    time.Duration
	}{
		{name: "offerer", toOffer: true, trickle: true, want: 12500 * time.Millisecond},
		{name: "answerer", toOffer: false, trickle: true, want: 10 * time.Second},
		{name: "trickle disabled", toOffer: true, trickle: false, want: 50 * time.Second},
		{name: "media relay present", mcu: true, toOffer: true, trickle: false, want: 105 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mcu = tt.mcu
			assert.Equal(t, tt.want, m.Timeout(tt.toOffer, tt.trickle))
		})
	}
}

func TestHealthMonitor_ExpiresOnce(t *testing.T) {
	m, mock, expired := newTestMonitor(t)

	m.Start("a", true, true)
	require.True(t, m.Active("a"))

	mock.Add(12 * time.Second)
	expectNoExpiry(t, expired)

	mock.Add(time.Second)
	expectExpiry(t, expired, "a")
	assert.False(t, m.Active("a"))

	mock.Add(time.Minute)
	expectNoExpiry(t, expired)
}

func TestHealthMonitor_StopCancels(t *testing.T) {
	m, mock, expired := newTestMonitor(t)

	m.Start("a", false, true)
	assert.True(t, m.Stop("a"))
	assert.False(t, m.Stop("a"))

	mock.Add(time.Minute)
	expectNoExpiry(t, expired)
}

func TestHealthMonitor_StartReplacesWatchdog(t *testing.T) {
	m, mock, expired := newTestMonitor(t)

	m.Start("a", true, true)
	mock.Add(10 * time.Second)
	m.Start("a", true, true)

	// the first watchdog would have fired at 12.5s
	mock.Add(5 * time.Second)
	expectNoExpiry(t, expired)

	mock.Add(8 * time.Second)
	expectExpiry(t, expired, "a")
	expectNoExpiry(t, expired)
}

func TestHealthMonitor_StopAll(t *testing.T) {
	m, mock, expired := newTestMonitor(t)

	m.Start("a", true, true)
	m.Start("b", false, false)
	m.StopAll()

	mock.Add(time.Hour)
	expectNoExpiry(t, expired)
	assert.False(t, m.Active("a"))
	assert.False(t, m.Active("b"))
}
