package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// LocalMedia owns the local audio and video tracks. The same tracks are
// attached to every transport, so a packet written once reaches every peer.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticRTP
	video *webrtc.TrackLocalStaticRTP

	logger *zap.SugaredLogger
}

var _ ports.LocalMedia = (*LocalMedia)(nil)

// NewLocalMedia creates an Opus audio track and a VP8 video track in one
// stream named streamID.
func NewLocalMedia(streamID string, logger *zap.SugaredLogger) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}
	return &LocalMedia{audio: audio, video: video, logger: logger}, nil
}

func (m *LocalMedia) AttachLocalStreams(peerID domain.PeerID, t ports.Transport) error {
	for _, track := range []*webrtc.TrackLocalStaticRTP{m.audio, m.video} {
		if err := t.AddTrack(track); err != nil {
			return err
		}
	}
	m.logger.Debugw("local streams attached", "peer_id", peerID)
	return nil
}

// WriteRTP sends pkt on the track of the given kind.
func (m *LocalMedia) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return m.audio.WriteRTP(pkt)
	case webrtc.RTPCodecTypeVideo:
		return m.video.WriteRTP(pkt)
	default:
		return fmt.Errorf("unsupported media kind %s", kind)
	}
}

// ServeRTP reads RTP datagrams from conn and forwards them to the track of
// the given kind until ctx is done or conn is closed.
func (m *LocalMedia) ServeRTP(ctx context.Context, kind webrtc.RTPCodecType, conn net.PacketConn) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read %s RTP: %w", kind, err)
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.logger.Debugw("dropping malformed RTP packet", "kind", kind, "error", err)
			continue
		}
		if err := m.WriteRTP(kind, pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.logger.Warnw("failed to write RTP packet", "kind", kind, "error", err)
		}
	}
}
