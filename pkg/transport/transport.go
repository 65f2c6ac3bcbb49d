// Package transport abstracts the peer-to-peer link the presentation
// sessions run over: discovery, invitations, datagrams and file transfer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Peer identifies one endpoint. ID routes traffic; DisplayName is what
// users see and what the session managers compare.
type Peer struct {
	ID          string
	DisplayName string
	DeviceModel string
}

func (p Peer) String() string {
	if p.DisplayName == "" {
		return p.ID
	}
	return p.DisplayName
}

// State is the connection state of a remote peer within a session.
type State int

const (
	StateNotConnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reliability selects the delivery mode of Send.
type Reliability int

const (
	Reliable Reliability = iota
	Unreliable
)

var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrRejected       = errors.New("invitation rejected")
	ErrNotConnected   = errors.New("peer not connected")
	ErrClosed         = errors.New("session closed")
)

// Error is a failed transport operation.
type Error struct {
	Op   string
	Peer Peer
	Err  error
}

func (e *Error) Error() string {
	if e.Peer.ID == "" {
		return "transport: " + e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Peer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Event is delivered on Session.Events.
type Event interface {
	event()
}

// StateChanged reports a peer's connection state within the session.
type StateChanged struct {
	Peer  Peer
	State State
}

// DataReceived carries one datagram.
type DataReceived struct {
	Peer Peer
	Data []byte
}

// ResourceStarted reports an incoming file transfer.
type ResourceStarted struct {
	Peer Peer
	Name string
}

// ResourceReceived reports the end of an incoming file transfer. On
// success Path names a temporary file the receiver should move away.
type ResourceReceived struct {
	Peer Peer
	Name string
	Path string
	Err  error
}

func (StateChanged) event()     {}
func (DataReceived) event()     {}
func (ResourceStarted) event()  {}
func (ResourceReceived) event() {}

// DiscoveryKind tells found from lost advertisements.
type DiscoveryKind int

const (
	PeerFound DiscoveryKind = iota
	PeerLost
)

// DiscoveryEvent is delivered on Browser.Events. Info is the advertised
// metadata and is empty for PeerLost.
type DiscoveryEvent struct {
	Kind DiscoveryKind
	Peer Peer
	Info map[string]string
}

// Network creates sessions, advertisers and browsers on one medium.
type Network interface {
	NewSession(local Peer) Session
	NewAdvertiser(s Session, serviceType string, info map[string]string) Advertiser
	NewBrowser(local Peer, serviceType string) Browser
}

// Session is one logical connection context with a roster of peers.
type Session interface {
	LocalPeer() Peer
	ConnectedPeers() []Peer
	// Send delivers data to each peer. Sending to no peers is a no-op.
	Send(data []byte, peers []Peer, mode Reliability) error
	// SendResource transfers a file. The channel yields one result.
	SendResource(path, name string, peer Peer) <-chan error
	Events() <-chan Event
	// Disconnect leaves the session. It is idempotent.
	Disconnect()
}

// Advertiser makes a session discoverable. Start and Stop may be called
// repeatedly.
type Advertiser interface {
	Start() error
	Stop()
}

// Browser discovers advertisers and invites them into a local session.
type Browser interface {
	Start() error
	Stop()
	Events() <-chan DiscoveryEvent
	Invite(ctx context.Context, peer Peer, s Session, timeout time.Duration) error
}

func errorf(op string, peer Peer, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}
