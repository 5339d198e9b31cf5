package services

import (
	"context"
	"fmt"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

// HandleMessage applies a message received from the signaling channel.
// Messages sent by this endpoint, addressed to another peer or to another
// room are ignored.
func (s *Session) HandleMessage(ctx context.Context, msg *domain.Message) error {
	if msg.SenderID == "" || msg.SenderID == s.cfg.Local.ID {
		return nil
	}
	if msg.Target != "" && msg.Target != s.cfg.Local.ID {
		return nil
	}
	if msg.RoomID != "" && msg.RoomID != s.cfg.Local.RoomID {
		return nil
	}

	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), s.cfg.Local.RoomID, string(msg.SenderID))
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), "signal."+string(msg.Type))

	s.logger.Debugw("signaling message received", "peer_id", msg.SenderID, "type", msg.Type)
	if err := s.dispatch(ctx, msg); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, msg *domain.Message) error {
	id := msg.SenderID
	switch msg.Type {
	case domain.MessageEnter:
		return s.handleEnter(ctx, msg)
	case domain.MessageWelcome:
		return s.AddPeer(ctx, id, msg.PeerInfo(), domain.ConnectionRole{
			ToOffer:     true,
			ReceiveOnly: s.cfg.ReceiveOnly,
		})
	case domain.MessageOffer:
		return s.handleOffer(ctx, msg)
	case domain.MessageAnswer:
		rec, ok := s.registry.Get(id)
		if !ok {
			return fmt.Errorf("answer from %s: %w", id, domain.ErrNoExistingConnection)
		}
		return rec.Transport().AcceptAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})
	case domain.MessageCandidate:
		rec, ok := s.registry.Get(id)
		if !ok {
			return fmt.Errorf("candidate from %s: %w", id, domain.ErrNoExistingConnection)
		}
		return rec.Transport().AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     msg.Candidate,
			SDPMid:        msg.SDPMid,
			SDPMLineIndex: msg.SDPMLineIndex,
		})
	case domain.MessageRestart:
		return s.handleRestart(ctx, msg)
	case domain.MessageBye:
		return s.RemovePeer(id)
	default:
		s.logger.Warnw("unknown signaling message", "peer_id", id, "type", msg.Type)
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *Session) handleEnter(ctx context.Context, msg *domain.Message) error {
	id := msg.SenderID
	err := s.AddPeer(ctx, id, msg.PeerInfo(), domain.ConnectionRole{ReceiveOnly: s.cfg.ReceiveOnly})
	if err != nil {
		return err
	}
	welcome := newMessage(s.cfg.Local, domain.MessageWelcome, id)
	welcome.ReceiveOnly = s.cfg.ReceiveOnly
	if err := s.signaler.Send(ctx, welcome); err != nil {
		return fmt.Errorf("failed to welcome %s: %w", id, err)
	}
	return nil
}

func (s *Session) handleOffer(ctx context.Context, msg *domain.Message) error {
	id := msg.SenderID
	if s.registry.Restarting(id) {
		s.logger.Warnw("dropping offer received while the connection restarts", "peer_id", id)
		return fmt.Errorf("offer from %s: %w", id, domain.ErrRestartInProgress)
	}
	rec, ok := s.registry.Get(id)
	if !ok {
		if err := s.AddPeer(ctx, id, msg.PeerInfo(), domain.ConnectionRole{ReceiveOnly: s.cfg.ReceiveOnly}); err != nil {
			return err
		}
		rec, _ = s.registry.Get(id)
	}

	answer, err := rec.Transport().AcceptOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
	if err != nil {
		return fmt.Errorf("failed to answer %s: %w", id, err)
	}
	reply := newMessage(s.cfg.Local, domain.MessageAnswer, id)
	reply.SDP = answer.SDP
	reply.ReceiveOnly = rec.ReceiveOnly()
	return s.signaler.Send(ctx, reply)
}

// handleRestart applies a restart requested by the remote peer. A request
// older than our own latest restart is dropped so that simultaneous
// restarts on both sides settle instead of bouncing.
func (s *Session) handleRestart(ctx context.Context, msg *domain.Message) error {
	id := msg.SenderID
	s.registry.SetInfo(id, msg.PeerInfo())

	// our own restart renegotiates once it has recreated the connection
	if s.registry.Restarting(id) {
		s.logger.Infow("ignoring restart while our own is in flight", "peer_id", id)
		return fmt.Errorf("restart from %s: %w", id, domain.ErrRestartInProgress)
	}

	if _, ok := s.registry.Get(id); !ok {
		s.logger.Infow("restart from unknown peer, reconnecting", "peer_id", id)
		return s.AddPeer(ctx, id, nil, domain.ConnectionRole{
			ToOffer:     true,
			Restart:     true,
			ReceiveOnly: s.cfg.ReceiveOnly,
		})
	}

	if last := s.restarts.LastRestart(); !last.IsZero() && msg.LastRestart < last.UnixMilli() {
		s.logger.Infow("ignoring restart older than our own",
			"peer_id", id,
			"remote_last_restart", msg.LastRestart,
			"local_last_restart", last.UnixMilli(),
		)
		return nil
	}
	s.restarts.RestartAsync(id, false, msg.IsConnectionRestart)
	return nil
}
