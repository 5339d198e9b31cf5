package domain

// EventName identifies an event bus topic.
type EventName string

const (
	EventICEConnectionState       EventName = "iceConnectionState"
	EventSignalingState           EventName = "peerConnectionState"
	EventCandidateGenerationState EventName = "candidateGenerationState"
	EventIncomingStream           EventName = "incomingStream"
	EventDataChannelReceived      EventName = "dataChannelReceived"
	EventStreamEnded              EventName = "streamEnded"
	EventPeerRestart              EventName = "peerRestart"
	EventPeerJoined               EventName = "peerJoined"
	EventPeerLeft                 EventName = "peerLeft"
)

// Event is delivered to bus subscribers. State events carry (State, PeerID);
// peer lifecycle events carry (PeerID, Info, Flag).
type Event struct {
	Name   EventName
	PeerID PeerID
	State  string
	Info   *PeerInfo
	Flag   bool
	Stream *RemoteStream
}

// RemoteStream describes a remote media track attached to a transport.
type RemoteStream struct {
	StreamID string `json:"stream_id"`
	TrackID  string `json:"track_id"`
	Kind     string `json:"kind"`
}
