package domain

import "encoding/json"

type MessageType string

const (
	MessageEnter     MessageType = "enter"
	MessageWelcome   MessageType = "welcome"
	MessageOffer     MessageType = "offer"
	MessageAnswer    MessageType = "answer"
	MessageCandidate MessageType = "candidate"
	MessageRestart   MessageType = "restart"
	MessageBye       MessageType = "bye"
)

// Message is the envelope exchanged with remote peers over the signaling
// channel. Target is empty for room-wide broadcasts.
type Message struct {
	Type           MessageType     `json:"type"`
	SenderID       PeerID          `json:"mid"`
	RoomID         string          `json:"rid"`
	Target         PeerID          `json:"target,omitempty"`
	Agent          Agent           `json:"agent"`
	UserInfo       json.RawMessage `json:"userInfo,omitempty"`
	PriorityWeight float64         `json:"weight,omitempty"`
	ReceiveOnly    bool            `json:"receiveOnly,omitempty"`

	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	IsConnectionRestart bool  `json:"isConnectionRestart,omitempty"`
	LastRestart         int64 `json:"lastRestart,omitempty"`
}

// PeerInfo extracts the sender description carried by a message.
func (m *Message) PeerInfo() *PeerInfo {
	return &PeerInfo{
		Agent:          m.Agent,
		UserInfo:       m.UserInfo,
		PriorityWeight: m.PriorityWeight,
		ReceiveOnly:    m.ReceiveOnly,
	}
}
