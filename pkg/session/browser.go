package session

import (
	"os"

	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// Heartbeat is the liveness control a browser drives.
type Heartbeat interface {
	StartHeartbeat()
	StopHeartbeat()
	StopPinging()
	PongReceived()
}

// BrowserDelegate observes a followed advertiser. Methods are called from
// the session's event goroutine.
type BrowserDelegate interface {
	AdvertiserStateChanged(peer transport.Peer, state transport.State)
	ActiveSlideReceived(peer transport.Peer, state content.PresentationState)
	SlideUpdated(peer transport.Peer, name string, page uint)
	SharingStopped(peer transport.Peer, showAgain bool)
	DownloadStarted(peer transport.Peer, name string)
	DownloadFailed(err *ResourceTransferError)
	// Disconnected reports a lost advertiser. err is nil for a transport
	// disconnect and liveness.ErrTimeout when the heartbeat expired.
	Disconnected(peer transport.Peer, err error)
}

// Browser handles the listening transport session.
type Browser struct {
	loop      *loop
	library   *content.Library
	heartbeat Heartbeat
	delegate  BrowserDelegate
	filter    PeerFilter
}

// NewBrowser starts handling events of ts. A nil filter accepts every peer.
func NewBrowser(ts transport.Session, library *content.Library, hb Heartbeat, delegate BrowserDelegate, filter PeerFilter) *Browser {
	b := &Browser{
		loop:      newLoop(ts),
		library:   library,
		heartbeat: hb,
		delegate:  delegate,
		filter:    filter,
	}
	b.loop.run(b.handle)
	return b
}

// Transport returns the underlying transport session.
func (b *Browser) Transport() transport.Session { return b.loop.transport }

// Send delivers msg to peer.
func (b *Browser) Send(msg protocol.Message, peer transport.Peer) error {
	return b.loop.send(msg, peer)
}

// Close stops event handling. It does not disconnect the transport session.
func (b *Browser) Close() {
	b.loop.close()
}

func (b *Browser) handle(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.StateChanged:
		b.stateChanged(ev)

	case transport.DataReceived:
		cmd, err := protocol.DecodeBrowserCommand(ev.Data)
		if err != nil {
			log.Warn().Err(err).Str("peer", ev.Peer.String()).Msg("browser: bad command")
			return
		}
		if err := cmd.Execute(&browserPeer{b: b, peer: ev.Peer}); err != nil {
			log.Warn().Err(err).Str("peer", ev.Peer.String()).Str("command", string(cmd.Tag())).Msg("browser: command failed")
		}

	case transport.ResourceStarted:
		log.Info().Str("peer", ev.Peer.String()).Str("name", ev.Name).Msg("browser: download started")
		b.delegate.DownloadStarted(ev.Peer, ev.Name)

	case transport.ResourceReceived:
		b.resourceReceived(ev)
	}
}

func (b *Browser) stateChanged(ev transport.StateChanged) {
	if b.filter != nil && !b.filter(ev.Peer) {
		log.Debug().Str("peer", ev.Peer.String()).Msg("browser: ignoring peer")
		return
	}
	log.Info().Str("peer", ev.Peer.String()).Str("state", ev.State.String()).Msg("browser: advertiser state")
	b.delegate.AdvertiserStateChanged(ev.Peer, ev.State)

	switch ev.State {
	case transport.StateConnected:
		if err := b.Send(protocol.GetSharedMaterials(), ev.Peer); err != nil {
			log.Warn().Err(err).Str("peer", ev.Peer.String()).Msg("browser: shared materials request failed")
		}
	case transport.StateNotConnected:
		b.delegate.Disconnected(ev.Peer, nil)
		b.heartbeat.StopPinging()
	}
}

func (b *Browser) resourceReceived(ev transport.ResourceReceived) {
	if ev.Err != nil {
		b.delegate.DownloadFailed(&ResourceTransferError{Peer: ev.Peer, Name: ev.Name, Err: ev.Err})
		return
	}
	if _, err := b.library.Import(ev.Path, ev.Name); err != nil {
		os.Remove(ev.Path)
		b.delegate.DownloadFailed(&ResourceTransferError{Peer: ev.Peer, Name: ev.Name, Err: err})
		return
	}
	log.Info().Str("peer", ev.Peer.String()).Str("name", ev.Name).Msg("browser: presentation imported")

	if err := b.Send(protocol.GetActiveSlide(), ev.Peer); err != nil {
		log.Warn().Err(err).Str("peer", ev.Peer.String()).Msg("browser: active slide request failed")
	}
}

// browserPeer runs commands received from one advertiser.
type browserPeer struct {
	b    *Browser
	peer transport.Peer
}

func (p *browserPeer) MaterialAvailable(m content.Material) bool {
	return p.b.library.Available(m)
}

func (p *browserPeer) Reply(msg protocol.Message) error {
	return p.b.Send(msg, p.peer)
}

func (p *browserPeer) StopHeartbeat()  { p.b.heartbeat.StopHeartbeat() }
func (p *browserPeer) StartHeartbeat() { p.b.heartbeat.StartHeartbeat() }
func (p *browserPeer) StopPinging()    { p.b.heartbeat.StopPinging() }
func (p *browserPeer) PongReceived()   { p.b.heartbeat.PongReceived() }

func (p *browserPeer) ActiveSlideReceived(state content.PresentationState) {
	p.b.delegate.ActiveSlideReceived(p.peer, state)
}

func (p *browserPeer) SlideUpdated(name string, page uint) {
	p.b.delegate.SlideUpdated(p.peer, name, page)
}

func (p *browserPeer) SharingStopped(showAgain bool) {
	p.b.delegate.SharingStopped(p.peer, showAgain)
}
