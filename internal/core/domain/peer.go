package domain

import "encoding/json"

type PeerID string

// MCUPeerID is the reserved id of the media relay. A session that has a
// connection to it relays all media through it.
const MCUPeerID PeerID = "MCU"

type Agent struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	OS      string `json:"os" yaml:"os"`
}

// PeerInfo is the best-effort description of a remote peer, cached from the
// signaling messages it sent.
type PeerInfo struct {
	Agent          Agent           `json:"agent"`
	UserInfo       json.RawMessage `json:"user_info,omitempty"`
	PriorityWeight float64         `json:"priority_weight"`
	ReceiveOnly    bool            `json:"receive_only"`
}

// LocalPeer identifies this endpoint inside a room.
type LocalPeer struct {
	ID             PeerID
	RoomID         string
	Agent          Agent
	UserInfo       json.RawMessage
	PriorityWeight float64
}

// ConnectionRole describes how a connection to a peer is created.
type ConnectionRole struct {
	ToOffer     bool
	Restart     bool
	ReceiveOnly bool
}

// PeerSnapshot is a read-only view of a peer connection record.
type PeerSnapshot struct {
	ID                 PeerID             `json:"id"`
	SignalingState     SignalingState     `json:"signaling_state"`
	ICEConnectionState ICEConnectionState `json:"ice_connection_state"`
	ReceiveOnly        bool               `json:"receive_only"`
	HasStream          bool               `json:"has_stream"`
	Healthy            bool               `json:"healthy"`
	ICETrickleDisabled bool               `json:"ice_trickle_disabled"`
	ICEFailures        int                `json:"ice_failures"`
	Info               *PeerInfo          `json:"info,omitempty"`
}
