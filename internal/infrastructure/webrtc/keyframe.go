package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// keyframeInterval is the number of video packets after which a missing
// keyframe is requested again.
const keyframeInterval = 300

// keyframeTracker watches a remote video track and decides when to ask the
// sender for a keyframe: once before the first keyframe arrives, and again
// whenever keyframeInterval packets pass without one.
type keyframeTracker struct {
	mimeType  string
	seen      bool
	requested bool
	sinceLast int
}

func newKeyframeTracker(mimeType string) *keyframeTracker {
	return &keyframeTracker{mimeType: strings.ToLower(mimeType)}
}

// observe records pkt and reports whether a keyframe should be requested.
func (k *keyframeTracker) observe(pkt *rtp.Packet) bool {
	if isKeyframe(k.mimeType, pkt.Payload) {
		k.seen = true
		k.requested = false
		k.sinceLast = 0
		return false
	}
	k.sinceLast++
	if !k.seen && !k.requested {
		k.requested = true
		return true
	}
	if k.sinceLast >= keyframeInterval {
		k.sinceLast = 0
		return true
	}
	return false
}

func isKeyframe(mimeType string, payload []byte) bool {
	switch mimeType {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return isVP8Keyframe(payload)
	case strings.ToLower(webrtc.MimeTypeH264):
		return isH264Keyframe(payload)
	default:
		return false
	}
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741) and checks the
// P bit of the first partition of a frame.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	first := payload[0]
	start := first&0x10 != 0
	pid := first & 0x07
	if !start || pid != 0 {
		return false
	}
	i := 1
	if first&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i = 2
		if ext&0x80 != 0 { // PictureID
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // TL0PICIDX
			i++
		}
		if ext&0x30 != 0 { // TID or KEYIDX
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

// isH264Keyframe reports IDR and SPS NAL units, including those carried in
// STAP-A aggregates and at the start of FU-A fragments.
func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case 5, 7:
		return true
	case 24: // STAP-A
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				break
			}
			if t := payload[i] & 0x1F; t == 5 || t == 7 {
				return true
			}
			i += size
		}
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == 5
	}
	return false
}
