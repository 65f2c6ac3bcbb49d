package main

import (
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// ICE servers for NAT traversal
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// ICEConfig holds ICE server configuration
type ICEConfig struct {
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

// WebRTCConfiguration builds the peer connection configuration
func (c ICEConfig) WebRTCConfiguration() webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0)

	if !c.ForceRelay {
		iceServers = append(iceServers, defaultICEServers...)
	}

	if c.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{c.TURNServer},
		}
		if c.TURNUser != "" {
			turnServer.Username = c.TURNUser
			turnServer.Credential = c.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if c.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: iceTransportPolicy,
	}
}

// newNetwork returns the WebRTC network reached through signalURL
func newNetwork(signalURL string, ice ICEConfig) transport.Network {
	return transport.NewRTCNetwork(transport.RTCConfig{
		SignalURL: signalURL,
		WebRTC:    ice.WebRTCConfiguration(),
	})
}
