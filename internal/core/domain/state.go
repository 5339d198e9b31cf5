package domain

type SignalingState string

const (
	SignalingStable          SignalingState = "stable"
	SignalingHaveLocalOffer  SignalingState = "have-local-offer"
	SignalingHaveRemoteOffer SignalingState = "have-remote-offer"
	SignalingClosed          SignalingState = "closed"
)

type ICEConnectionState string

const (
	ICENew          ICEConnectionState = "new"
	ICEChecking     ICEConnectionState = "checking"
	ICEConnected    ICEConnectionState = "connected"
	ICECompleted    ICEConnectionState = "completed"
	ICEFailed       ICEConnectionState = "failed"
	ICEDisconnected ICEConnectionState = "disconnected"
	ICEClosed       ICEConnectionState = "closed"

	// ICETrickleFailed is never reported by a transport. It is published when
	// incremental candidate exchange is deemed unreliable for a peer.
	ICETrickleFailed ICEConnectionState = "trickleFailed"
)

// Settled reports whether ICE connectivity has been established.
func (s ICEConnectionState) Settled() bool {
	return s == ICEConnected || s == ICECompleted
}

type CandidateGenerationState string

const (
	CandidateGenerationNew       CandidateGenerationState = "new"
	CandidateGenerationGathering CandidateGenerationState = "gathering"
	CandidateGenerationCompleted CandidateGenerationState = "completed"
)
