package signal

// Lobby message types.
const (
	TypeAnnounce = "announce" // advertiser registers an advertisement
	TypeWithdraw = "withdraw" // advertiser removes an advertisement
	TypeBrowse   = "browse"   // browser asks for current and future advertisements
	TypeFound    = "found"
	TypeLost     = "lost"
	TypeOffer    = "offer"
	TypeAnswer   = "answer"
	TypeReject   = "reject"
	TypeError    = "error"
)

// SignalMessage represents a WebSocket signaling message
type SignalMessage struct {
	Type        string            `json:"type"`
	Service     string            `json:"service,omitempty"`     // service type the lobby is keyed by
	PeerID      string            `json:"peerId,omitempty"`      // sender, or the advertisement for found/lost
	To          string            `json:"to,omitempty"`          // relay target peer
	DisplayName string            `json:"displayName,omitempty"` // advertised display name
	Device      string            `json:"device,omitempty"`      // device model
	Info        map[string]string `json:"info,omitempty"`        // discovery metadata
	SDP         string            `json:"sdp,omitempty"`         // SDP offer/answer
	Error       string            `json:"error,omitempty"`
}
