package webrtc

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestIsVP8Keyframe(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{name: "empty", payload: nil, want: false},
		{name: "keyframe without extension", payload: []byte{0x10, 0x00}, want: true},
		{name: "interframe without extension", payload: []byte{0x10, 0x01}, want: false},
		{name: "continuation packet", payload: []byte{0x00, 0x00}, want: false},
		{name: "second partition", payload: []byte{0x11, 0x00}, want: false},
		{name: "keyframe with 15 bit picture id", payload: []byte{0x90, 0x80, 0x81, 0x02, 0x00}, want: true},
		{name: "interframe with 7 bit picture id", payload: []byte{0x90, 0x80, 0x05, 0x01}, want: false},
		{name: "keyframe with tl0picidx and tid", payload: []byte{0x90, 0x60, 0x01, 0x20, 0x00}, want: true},
		{name: "truncated extension", payload: []byte{0x90}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isVP8Keyframe(tt.payload))
		})
	}
}

func TestIsH264Keyframe(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{name: "idr", payload: []byte{0x65}, want: true},
		{name: "sps", payload: []byte{0x67}, want: true},
		{name: "non idr slice", payload: []byte{0x41}, want: false},
		{name: "stap-a with sps", payload: []byte{0x78, 0x00, 0x02, 0x67, 0x42}, want: true},
		{name: "stap-a without keyframe", payload: []byte{0x78, 0x00, 0x01, 0x41}, want: false},
		{name: "fu-a start of idr", payload: []byte{0x7c, 0x85}, want: true},
		{name: "fu-a middle of idr", payload: []byte{0x7c, 0x05}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isH264Keyframe(tt.payload))
		})
	}
}

func TestKeyframeTracker(t *testing.T) {
	k := newKeyframeTracker(webrtc.MimeTypeVP8)
	inter := &rtp.Packet{Payload: []byte{0x10, 0x01}}
	key := &rtp.Packet{Payload: []byte{0x10, 0x00}}

	assert.True(t, k.observe(inter), "first packet without a keyframe requests one")
	assert.False(t, k.observe(inter), "request is not repeated immediately")
	assert.False(t, k.observe(key))

	requests := 0
	for i := 0; i < keyframeInterval; i++ {
		if k.observe(inter) {
			requests++
		}
	}
	assert.Equal(t, 1, requests)
}

func TestKeyframeTracker_UnknownCodec(t *testing.T) {
	k := newKeyframeTracker("video/AV1")
	assert.False(t, isKeyframe("video/av1", []byte{0x10, 0x00}))
	assert.True(t, k.observe(&rtp.Packet{Payload: []byte{0x10, 0x00}}))
}
