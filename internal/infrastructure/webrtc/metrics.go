package webrtc

// MediaMetrics receives media plane statistics from transports.
type MediaMetrics interface {
	RecordRTPPacket(kind string, payloadBytes int)
	RecordRTCPPacket(packetType string)
}

type noopMediaMetrics struct{}

func (noopMediaMetrics) RecordRTPPacket(string, int) {}
func (noopMediaMetrics) RecordRTCPPacket(string)     {}
