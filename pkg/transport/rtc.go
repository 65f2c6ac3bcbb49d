package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/pion/webrtc/v3"

	"github.com/tomaslejdung/slidepeep/pkg/signal"
)

const (
	reliableLabel   = "reliable"
	unreliableLabel = "unreliable"

	chunkSize     = 16 * 1024
	highWaterMark = 1024 * 1024
	lowWaterMark  = 256 * 1024

	signalDialTimeout = 10 * time.Second
)

// RTCConfig configures an RTCNetwork.
type RTCConfig struct {
	// SignalURL is the base URL of the lobby server, e.g. http://host:8080.
	SignalURL string
	WebRTC    webrtc.Configuration
}

// RTCNetwork links peers with WebRTC data channels. Discovery and SDP
// exchange go through a signal lobby.
type RTCNetwork struct {
	cfg RTCConfig
}

// NewRTCNetwork creates a network using cfg.
func NewRTCNetwork(cfg RTCConfig) *RTCNetwork {
	return &RTCNetwork{cfg: cfg}
}

func (n *RTCNetwork) NewSession(local Peer) Session {
	if local.ID == "" {
		local.ID = uuid.NewString()
	}
	return &rtcSession{
		net:    n,
		local:  local,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		links:  make(map[string]*rtcLink),
	}
}

func (n *RTCNetwork) NewAdvertiser(s Session, serviceType string, info map[string]string) Advertiser {
	rs, _ := s.(*rtcSession)
	return &rtcAdvertiser{net: n, session: rs, serviceType: serviceType, info: info}
}

func (n *RTCNetwork) NewBrowser(local Peer, serviceType string) Browser {
	return &rtcBrowser{
		net:         n,
		local:       local,
		serviceType: serviceType,
		events:      make(chan DiscoveryEvent, discoveryBuffer),
		pending:     make(map[string]chan signal.SignalMessage),
	}
}

type rtcSession struct {
	net    *RTCNetwork
	local  Peer
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	links map[string]*rtcLink
	dir   string
}

func (s *rtcSession) LocalPeer() Peer { return s.local }

func (s *rtcSession) Events() <-chan Event { return s.events }

func (s *rtcSession) ConnectedPeers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]Peer, 0, len(s.links))
	for _, l := range s.links {
		if l.isConnected() {
			peers = append(peers, l.peer)
		}
	}
	return peers
}

func (s *rtcSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *rtcSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *rtcSession) link(id string) *rtcLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[id]
}

func (s *rtcSession) removeLink(l *rtcLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.peer.ID] == l {
		delete(s.links, l.peer.ID)
	}
}

func (s *rtcSession) resourceDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "slidepeep-rx-")
		if err != nil {
			return "", err
		}
		s.dir = dir
	}
	return s.dir, nil
}

func (s *rtcSession) Send(data []byte, peers []Peer, mode Reliability) error {
	if len(peers) == 0 {
		return nil
	}
	if s.closed() {
		return errorf("send", Peer{}, ErrClosed)
	}
	buf, err := encodeFrame(frame{Kind: frameData, Payload: data})
	if err != nil {
		return errorf("send", Peer{}, err)
	}
	var errs []error
	for _, p := range peers {
		l := s.link(p.ID)
		if l == nil || !l.isConnected() {
			errs = append(errs, errorf("send", p, ErrNotConnected))
			continue
		}
		dc := l.channel(mode)
		if dc == nil {
			errs = append(errs, errorf("send", p, ErrNotConnected))
			continue
		}
		if err := dc.Send(buf); err != nil {
			errs = append(errs, errorf("send", p, err))
		}
	}
	return errors.Join(errs...)
}

func (s *rtcSession) SendResource(path, name string, peer Peer) <-chan error {
	result := make(chan error, 1)
	go func() {
		l := s.link(peer.ID)
		if l == nil {
			result <- errorf("send resource", peer, ErrNotConnected)
			return
		}
		result <- l.sendResource(path, name)
	}()
	return result
}

func (s *rtcSession) Disconnect() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		links := make([]*rtcLink, 0, len(s.links))
		for _, l := range s.links {
			links = append(links, l)
		}
		dir := s.dir
		s.mu.Unlock()

		for _, l := range links {
			l.close()
		}
		if dir != "" {
			os.RemoveAll(dir)
		}
	})
}

// newLink creates the peer connection for one remote peer and reports it
// as connecting.
func (s *rtcSession) newLink(peer Peer) (*rtcLink, error) {
	if s.closed() {
		return nil, errorf("connect", peer, ErrClosed)
	}
	pc, err := webrtc.NewPeerConnection(s.net.cfg.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &rtcLink{
		session:  s,
		peer:     peer,
		pc:       pc,
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
		lowWater: make(chan struct{}, 1),
		incoming: make(map[string]*incomingResource),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer", peer.String()).Str("state", state.String()).Msg("rtc: connection state")
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go l.close()
		}
	})
	pc.OnDataChannel(l.attach)

	s.mu.Lock()
	old := s.links[peer.ID]
	s.links[peer.ID] = l
	s.mu.Unlock()
	if old != nil {
		old.close()
	}

	s.emit(StateChanged{Peer: peer, State: StateConnecting})
	return l, nil
}

// accept answers an offer from peer.
func (s *rtcSession) accept(peer Peer, offer string) (string, error) {
	l, err := s.newLink(peer)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		l.close()
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.close()
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.close()
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	// Wait for ICE gathering
	<-webrtc.GatheringCompletePromise(l.pc)
	return l.pc.LocalDescription().SDP, nil
}

type incomingResource struct {
	name    string
	file    *os.File
	size    int64
	written int64
}

// rtcLink is the peer connection to one remote peer.
type rtcLink struct {
	session  *rtcSession
	peer     Peer
	pc       *webrtc.PeerConnection
	opened   chan struct{}
	done     chan struct{}
	lowWater chan struct{}
	sendMu   sync.Mutex

	mu         sync.Mutex
	reliable   *webrtc.DataChannel
	unreliable *webrtc.DataChannel
	connected  bool
	closed     bool
	incoming   map[string]*incomingResource
}

// offer creates the data channels and returns the local SDP offer.
func (l *rtcLink) offer() (string, error) {
	ordered := true
	reliable, err := l.pc.CreateDataChannel(reliableLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}
	unordered := false
	var retransmits uint16
	unreliable, err := l.pc.CreateDataChannel(unreliableLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}
	l.attach(reliable)
	l.attach(unreliable)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	// Wait for ICE gathering
	<-webrtc.GatheringCompletePromise(l.pc)
	return l.pc.LocalDescription().SDP, nil
}

func (l *rtcLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	switch dc.Label() {
	case reliableLabel:
		l.reliable = dc
	case unreliableLabel:
		l.unreliable = dc
	default:
		l.mu.Unlock()
		log.Warn().Str("peer", l.peer.String()).Str("label", dc.Label()).Msg("rtc: unexpected data channel")
		return
	}
	l.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.handleFrame(msg.Data)
	})
	if dc.Label() == reliableLabel {
		dc.SetBufferedAmountLowThreshold(lowWaterMark)
		dc.OnBufferedAmountLow(func() {
			select {
			case l.lowWater <- struct{}{}:
			default:
			}
		})
		dc.OnOpen(l.markConnected)
		dc.OnClose(func() { go l.close() })
	}
}

func (l *rtcLink) channel(mode Reliability) *webrtc.DataChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode == Unreliable && l.unreliable != nil && l.unreliable.ReadyState() == webrtc.DataChannelStateOpen {
		return l.unreliable
	}
	return l.reliable
}

func (l *rtcLink) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *rtcLink) markConnected() {
	l.mu.Lock()
	if l.connected || l.closed {
		l.mu.Unlock()
		return
	}
	l.connected = true
	close(l.opened)
	l.mu.Unlock()

	log.Info().Str("peer", l.peer.String()).Msg("rtc: peer connected")
	l.session.emit(StateChanged{Peer: l.peer, State: StateConnected})
}

func (l *rtcLink) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.connected = false
	close(l.done)
	incoming := l.incoming
	l.incoming = nil
	l.mu.Unlock()

	for _, in := range incoming {
		in.file.Close()
		os.Remove(in.file.Name())
		l.session.emit(ResourceReceived{Peer: l.peer, Name: in.name, Err: errorf("receive resource", l.peer, ErrNotConnected)})
	}
	if err := l.pc.Close(); err != nil {
		log.Debug().Err(err).Str("peer", l.peer.String()).Msg("rtc: close peer connection")
	}
	l.session.removeLink(l)
	l.session.emit(StateChanged{Peer: l.peer, State: StateNotConnected})
}

func (l *rtcLink) handleFrame(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		log.Warn().Err(err).Str("peer", l.peer.String()).Msg("rtc: dropping frame")
		return
	}
	switch f.Kind {
	case frameData:
		l.session.emit(DataReceived{Peer: l.peer, Data: f.Payload})
	case frameResourceBegin:
		l.beginResource(f)
	case frameResourceChunk:
		l.writeChunk(f)
	case frameResourceEnd:
		l.finishResource(f)
	case frameResourceAbort:
		l.failResource(f.Transfer, fmt.Errorf("aborted by sender: %s", f.Error))
	}
}

func (l *rtcLink) beginResource(f frame) {
	name := filepath.Base(f.Name)
	dir, err := l.session.resourceDir()
	if err != nil {
		l.session.emit(ResourceReceived{Peer: l.peer, Name: name, Err: errorf("receive resource", l.peer, err)})
		return
	}
	file, err := os.CreateTemp(dir, "rx-*-"+name)
	if err != nil {
		l.session.emit(ResourceReceived{Peer: l.peer, Name: name, Err: errorf("receive resource", l.peer, err)})
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		file.Close()
		os.Remove(file.Name())
		return
	}
	l.incoming[f.Transfer] = &incomingResource{name: name, file: file, size: f.Size}
	l.mu.Unlock()

	l.session.emit(ResourceStarted{Peer: l.peer, Name: name})
}

func (l *rtcLink) takeResource(id string) *incomingResource {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := l.incoming[id]
	delete(l.incoming, id)
	return in
}

func (l *rtcLink) writeChunk(f frame) {
	l.mu.Lock()
	in := l.incoming[f.Transfer]
	l.mu.Unlock()
	if in == nil {
		return
	}
	n, err := in.file.Write(f.Payload)
	in.written += int64(n)
	if err != nil {
		l.failResource(f.Transfer, err)
	}
}

func (l *rtcLink) finishResource(f frame) {
	in := l.takeResource(f.Transfer)
	if in == nil {
		return
	}
	err := in.file.Close()
	if err == nil && in.size > 0 && in.written != in.size {
		err = fmt.Errorf("short transfer: %d of %d bytes", in.written, in.size)
	}
	if err != nil {
		os.Remove(in.file.Name())
		l.session.emit(ResourceReceived{Peer: l.peer, Name: in.name, Err: errorf("receive resource", l.peer, err)})
		return
	}
	l.session.emit(ResourceReceived{Peer: l.peer, Name: in.name, Path: in.file.Name()})
}

func (l *rtcLink) failResource(id string, cause error) {
	in := l.takeResource(id)
	if in == nil {
		return
	}
	in.file.Close()
	os.Remove(in.file.Name())
	l.session.emit(ResourceReceived{Peer: l.peer, Name: in.name, Err: errorf("receive resource", l.peer, cause)})
}

func (l *rtcLink) sendFrame(dc *webrtc.DataChannel, f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// waitDrain blocks while the channel buffers more than the high water mark.
func (l *rtcLink) waitDrain(dc *webrtc.DataChannel) error {
	for dc.BufferedAmount() > highWaterMark {
		select {
		case <-l.lowWater:
		case <-l.done:
			return ErrClosed
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (l *rtcLink) sendResource(path, name string) error {
	if !l.isConnected() {
		return errorf("send resource", l.peer, ErrNotConnected)
	}
	dc := l.channel(Reliable)

	file, err := os.Open(path)
	if err != nil {
		return errorf("send resource", l.peer, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return errorf("send resource", l.peer, err)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	id := uuid.NewString()
	if err := l.sendFrame(dc, frame{Kind: frameResourceBegin, Transfer: id, Name: name, Size: info.Size()}); err != nil {
		return errorf("send resource", l.peer, err)
	}

	abort := func(cause error) error {
		if err := l.sendFrame(dc, frame{Kind: frameResourceAbort, Transfer: id, Error: cause.Error()}); err != nil {
			log.Debug().Err(err).Str("peer", l.peer.String()).Msg("rtc: abort frame not sent")
		}
		return errorf("send resource", l.peer, cause)
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			if err := l.waitDrain(dc); err != nil {
				return errorf("send resource", l.peer, err)
			}
			if err := l.sendFrame(dc, frame{Kind: frameResourceChunk, Transfer: id, Payload: buf[:n]}); err != nil {
				return abort(err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return abort(rerr)
		}
	}

	if err := l.sendFrame(dc, frame{Kind: frameResourceEnd, Transfer: id}); err != nil {
		return errorf("send resource", l.peer, err)
	}
	return nil
}

type rtcAdvertiser struct {
	net         *RTCNetwork
	session     *rtcSession
	serviceType string
	info        map[string]string

	mu     sync.Mutex
	client *signal.Client
}

func (a *rtcAdvertiser) Start() error {
	if a.session == nil {
		return errorf("advertise", Peer{}, fmt.Errorf("not a webrtc session"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalDialTimeout)
	defer cancel()
	c, err := signal.Dial(ctx, a.net.cfg.SignalURL, a.serviceType)
	if err != nil {
		return errorf("advertise", a.session.local, err)
	}
	local := a.session.local
	if err := c.Send(signal.SignalMessage{
		Type:        signal.TypeAnnounce,
		PeerID:      local.ID,
		DisplayName: local.DisplayName,
		Device:      local.DeviceModel,
		Info:        a.info,
	}); err != nil {
		c.Close()
		return errorf("advertise", local, err)
	}
	c.SetDisconnectHandler(func() {
		log.Warn().Str("peer", local.String()).Msg("rtc: signal connection lost, advertisement withdrawn")
	})

	a.client = c
	go a.serve(c)
	return nil
}

func (a *rtcAdvertiser) serve(c *signal.Client) {
	for msg := range c.Messages() {
		if msg.Type == signal.TypeOffer && msg.To == a.session.local.ID {
			go a.answer(c, msg)
		}
	}
}

func (a *rtcAdvertiser) answer(c *signal.Client, msg signal.SignalMessage) {
	local := a.session.local
	peer := Peer{ID: msg.PeerID, DisplayName: msg.DisplayName, DeviceModel: msg.Device}

	sdp, err := a.session.accept(peer, msg.SDP)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("rtc: rejecting invitation")
		if err := c.Send(signal.SignalMessage{Type: signal.TypeReject, PeerID: local.ID, To: peer.ID, Error: err.Error()}); err != nil {
			log.Debug().Err(err).Msg("rtc: reject not sent")
		}
		return
	}
	if err := c.Send(signal.SignalMessage{Type: signal.TypeAnswer, PeerID: local.ID, To: peer.ID, SDP: sdp}); err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("rtc: answer not sent")
	}
}

func (a *rtcAdvertiser) Stop() {
	a.mu.Lock()
	c := a.client
	a.client = nil
	a.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Send(signal.SignalMessage{Type: signal.TypeWithdraw, PeerID: a.session.local.ID}); err != nil {
		log.Debug().Err(err).Msg("rtc: withdraw not sent")
	}
	c.Close()
}

type rtcBrowser struct {
	net         *RTCNetwork
	local       Peer
	serviceType string
	events      chan DiscoveryEvent

	mu      sync.Mutex
	client  *signal.Client
	pending map[string]chan signal.SignalMessage
}

func (b *rtcBrowser) Events() <-chan DiscoveryEvent { return b.events }

func (b *rtcBrowser) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalDialTimeout)
	defer cancel()
	c, err := signal.Dial(ctx, b.net.cfg.SignalURL, b.serviceType)
	if err != nil {
		return errorf("browse", b.local, err)
	}
	if err := c.Send(signal.SignalMessage{Type: signal.TypeBrowse, PeerID: b.local.ID}); err != nil {
		c.Close()
		return errorf("browse", b.local, err)
	}
	b.client = c
	go b.serve(c)
	return nil
}

func (b *rtcBrowser) notify(ev DiscoveryEvent) {
	select {
	case b.events <- ev:
	default:
		log.Warn().Str("peer", ev.Peer.String()).Msg("rtc: discovery queue full, event dropped")
	}
}

func (b *rtcBrowser) serve(c *signal.Client) {
	for msg := range c.Messages() {
		switch msg.Type {
		case signal.TypeFound:
			b.notify(DiscoveryEvent{
				Kind: PeerFound,
				Peer: Peer{ID: msg.PeerID, DisplayName: msg.DisplayName, DeviceModel: msg.Device},
				Info: msg.Info,
			})
		case signal.TypeLost:
			b.notify(DiscoveryEvent{Kind: PeerLost, Peer: Peer{ID: msg.PeerID}})
		case signal.TypeAnswer, signal.TypeReject:
			b.mu.Lock()
			reply := b.pending[msg.PeerID]
			b.mu.Unlock()
			if reply != nil {
				select {
				case reply <- msg:
				default:
				}
			}
		case signal.TypeError:
			log.Warn().Str("error", msg.Error).Msg("rtc: signal server error")
		}
	}
}

func (b *rtcBrowser) Stop() {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (b *rtcBrowser) Invite(ctx context.Context, peer Peer, s Session, timeout time.Duration) error {
	rs, ok := s.(*rtcSession)
	if !ok {
		return errorf("invite", peer, fmt.Errorf("not a webrtc session"))
	}

	b.mu.Lock()
	c := b.client
	reply := make(chan signal.SignalMessage, 1)
	b.pending[peer.ID] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		if b.pending[peer.ID] == reply {
			delete(b.pending, peer.ID)
		}
		b.mu.Unlock()
	}()
	if c == nil {
		return errorf("invite", peer, errors.New("browser not started"))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	l, err := rs.newLink(peer)
	if err != nil {
		return errorf("invite", peer, err)
	}
	fail := func(err error) error {
		l.close()
		return errorf("invite", peer, err)
	}

	sdp, err := l.offer()
	if err != nil {
		return fail(err)
	}
	if err := c.Send(signal.SignalMessage{
		Type:        signal.TypeOffer,
		PeerID:      rs.local.ID,
		To:          peer.ID,
		DisplayName: rs.local.DisplayName,
		Device:      rs.local.DeviceModel,
		SDP:         sdp,
	}); err != nil {
		return fail(err)
	}

	select {
	case msg := <-reply:
		if msg.Type == signal.TypeReject {
			return fail(ErrRejected)
		}
		if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			return fail(fmt.Errorf("failed to set remote description: %w", err))
		}
	case <-ctx.Done():
		return fail(contextError(ctx))
	}

	select {
	case <-l.opened:
		return nil
	case <-l.done:
		return errorf("invite", peer, ErrNotConnected)
	case <-ctx.Done():
		return fail(contextError(ctx))
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrConnectTimeout
	}
	return ctx.Err()
}
