package main

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebRTCConfigurationDefaults(t *testing.T) {
	cfg := ICEConfig{}.WebRTCConfiguration()
	assert.Equal(t, defaultICEServers, cfg.ICEServers)
	assert.Equal(t, webrtc.ICETransportPolicyAll, cfg.ICETransportPolicy)
}

func TestWebRTCConfigurationForceRelay(t *testing.T) {
	cfg := ICEConfig{
		TURNServer: "turn:turn.example.com:3478",
		TURNUser:   "alice",
		TURNPass:   "secret",
		ForceRelay: true,
	}.WebRTCConfiguration()

	require.Len(t, cfg.ICEServers, 1)
	turn := cfg.ICEServers[0]
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, turn.URLs)
	assert.Equal(t, "alice", turn.Username)
	assert.Equal(t, "secret", turn.Credential)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)
}
