package session

import (
	"fmt"
	"os"

	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// Content is the presentation state an advertiser serves.
type Content interface {
	SharedMaterials() []string
	ActiveState() (content.PresentationState, bool)
	PresentationPath(name string) (string, bool)
}

// AdvertiserDelegate is told about peers joining and leaving a session.
type AdvertiserDelegate interface {
	PeerConnected(a *Advertiser, peer transport.Peer)
	PeerDisconnected(a *Advertiser, peer transport.Peer)
}

// Advertiser handles one advertised transport session.
type Advertiser struct {
	record   PresentationSession
	loop     *loop
	content  Content
	delegate AdvertiserDelegate
}

// NewAdvertiser starts handling events of ts.
func NewAdvertiser(record PresentationSession, ts transport.Session, c Content, delegate AdvertiserDelegate) *Advertiser {
	a := &Advertiser{
		record:   record,
		loop:     newLoop(ts),
		content:  c,
		delegate: delegate,
	}
	a.loop.run(a.handle)
	return a
}

// Record returns the session record.
func (a *Advertiser) Record() PresentationSession { return a.record }

// Transport returns the underlying transport session.
func (a *Advertiser) Transport() transport.Session { return a.loop.transport }

// ConnectedPeers returns the peers currently connected to this session.
func (a *Advertiser) ConnectedPeers() []transport.Peer {
	return a.loop.transport.ConnectedPeers()
}

// Broadcast sends msg to every connected peer.
func (a *Advertiser) Broadcast(msg protocol.Message) error {
	peers := a.ConnectedPeers()
	if len(peers) == 0 {
		return nil
	}
	return a.loop.send(msg, peers...)
}

// Close stops event handling. It does not disconnect the transport session.
func (a *Advertiser) Close() {
	a.loop.close()
}

func (a *Advertiser) handle(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.StateChanged:
		log.Info().Str("session", a.record.UniqueID()).Str("peer", ev.Peer.String()).Str("state", ev.State.String()).Msg("advertiser: peer state")
		if a.delegate == nil {
			return
		}
		switch ev.State {
		case transport.StateConnected:
			a.delegate.PeerConnected(a, ev.Peer)
		case transport.StateNotConnected:
			a.delegate.PeerDisconnected(a, ev.Peer)
		}

	case transport.DataReceived:
		cmd, err := protocol.DecodeAdvertiserCommand(ev.Data)
		if err != nil {
			log.Warn().Err(err).Str("peer", ev.Peer.String()).Msg("advertiser: bad command")
			return
		}
		if err := cmd.Execute(&advertiserPeer{a: a, peer: ev.Peer}); err != nil {
			log.Warn().Err(err).Str("peer", ev.Peer.String()).Str("command", string(cmd.Tag())).Msg("advertiser: command failed")
		}

	case transport.ResourceReceived:
		// presenters do not accept files
		if ev.Path != "" {
			os.Remove(ev.Path)
		}
		log.Debug().Str("peer", ev.Peer.String()).Str("name", ev.Name).Msg("advertiser: ignoring resource")
	}
}

// advertiserPeer runs commands on behalf of the peer that sent them.
type advertiserPeer struct {
	a    *Advertiser
	peer transport.Peer
}

func (p *advertiserPeer) SharedMaterials() []string {
	return p.a.content.SharedMaterials()
}

func (p *advertiserPeer) ActiveState() (content.PresentationState, bool) {
	return p.a.content.ActiveState()
}

func (p *advertiserPeer) Reply(msg protocol.Message) error {
	return p.a.loop.send(msg, p.peer)
}

// SendPresentation starts the transfer and returns; completion is logged.
func (p *advertiserPeer) SendPresentation(name string) error {
	path, ok := p.a.content.PresentationPath(name)
	if !ok {
		return fmt.Errorf("presentation %q not found", name)
	}
	done := p.a.loop.transport.SendResource(path, name, p.peer)
	go func() {
		if err := <-done; err != nil {
			log.Warn().Err(err).Str("peer", p.peer.String()).Str("name", name).Msg("advertiser: presentation transfer failed")
			return
		}
		log.Info().Str("peer", p.peer.String()).Str("name", name).Msg("advertiser: presentation sent")
	}()
	return nil
}
