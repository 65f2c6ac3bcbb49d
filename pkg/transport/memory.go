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
)

const (
	eventBuffer     = 1024
	discoveryBuffer = 256
)

// MemoryNetwork is an in-process mesh. Every session, advertiser and
// browser created from one MemoryNetwork can see each other.
type MemoryNetwork struct {
	mu          sync.Mutex
	sessions    map[string]*memSession
	ads         map[string]*memAdvertiser
	browsers    map[*memBrowser]bool
	partitioned map[[2]string]bool
	dir         string
}

// NewMemoryNetwork returns an empty mesh.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		sessions:    make(map[string]*memSession),
		ads:         make(map[string]*memAdvertiser),
		browsers:    make(map[*memBrowser]bool),
		partitioned: make(map[[2]string]bool),
	}
}

// Partition silently cuts the link between two peers. Traffic is dropped
// and no state change is reported to either side.
func (n *MemoryNetwork) Partition(a, b string) {
	n.mu.Lock()
	n.partitioned[linkKey(a, b)] = true
	n.mu.Unlock()
}

// Heal restores a link cut by Partition.
func (n *MemoryNetwork) Heal(a, b string) {
	n.mu.Lock()
	delete(n.partitioned, linkKey(a, b))
	n.mu.Unlock()
}

// Close removes received resources that were never moved away.
func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	dir := n.dir
	n.dir = ""
	n.mu.Unlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (n *MemoryNetwork) isPartitioned(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitioned[linkKey(a, b)]
}

func (n *MemoryNetwork) resourceDir() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dir == "" {
		dir, err := os.MkdirTemp("", "slidepeep-mem-")
		if err != nil {
			return "", err
		}
		n.dir = dir
	}
	return n.dir, nil
}

// NewSession creates a session for local. An empty ID is filled in.
func (n *MemoryNetwork) NewSession(local Peer) Session {
	if local.ID == "" {
		local.ID = uuid.NewString()
	}
	s := &memSession{
		net:    n,
		local:  local,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		peers:  make(map[string]*memSession),
	}
	n.mu.Lock()
	n.sessions[local.ID] = s
	n.mu.Unlock()
	return s
}

// NewAdvertiser advertises s under serviceType.
func (n *MemoryNetwork) NewAdvertiser(s Session, serviceType string, info map[string]string) Advertiser {
	ms, _ := s.(*memSession)
	copied := make(map[string]string, len(info))
	for k, v := range info {
		copied[k] = v
	}
	return &memAdvertiser{net: n, session: ms, serviceType: serviceType, info: copied}
}

// NewBrowser browses serviceType on behalf of local.
func (n *MemoryNetwork) NewBrowser(local Peer, serviceType string) Browser {
	return &memBrowser{
		net:         n,
		local:       local,
		serviceType: serviceType,
		events:      make(chan DiscoveryEvent, discoveryBuffer),
	}
}

type memSession struct {
	net    *MemoryNetwork
	local  Peer
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	peers map[string]*memSession
}

func (s *memSession) LocalPeer() Peer { return s.local }

func (s *memSession) ConnectedPeers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p.local)
	}
	return peers
}

func (s *memSession) Events() <-chan Event { return s.events }

func (s *memSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *memSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *memSession) connectedTo(id string) *memSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (s *memSession) Send(data []byte, peers []Peer, mode Reliability) error {
	if len(peers) == 0 {
		return nil
	}
	if s.closed() {
		return errorf("send", Peer{}, ErrClosed)
	}
	var errs []error
	for _, p := range peers {
		remote := s.connectedTo(p.ID)
		if remote == nil {
			errs = append(errs, errorf("send", p, ErrNotConnected))
			continue
		}
		if s.net.isPartitioned(s.local.ID, p.ID) {
			continue
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		remote.emit(DataReceived{Peer: s.local, Data: buf})
	}
	return errors.Join(errs...)
}

func (s *memSession) SendResource(path, name string, peer Peer) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.sendResource(path, name, peer)
	}()
	return result
}

func (s *memSession) sendResource(path, name string, peer Peer) error {
	if s.closed() {
		return errorf("send resource", peer, ErrClosed)
	}
	remote := s.connectedTo(peer.ID)
	if remote == nil || s.net.isPartitioned(s.local.ID, peer.ID) {
		return errorf("send resource", peer, ErrNotConnected)
	}
	remote.emit(ResourceStarted{Peer: s.local, Name: name})

	dst, err := s.copyResource(path, name)
	if err != nil {
		remote.emit(ResourceReceived{Peer: s.local, Name: name, Err: err})
		return errorf("send resource", peer, err)
	}
	remote.emit(ResourceReceived{Peer: s.local, Name: name, Path: dst})
	return nil
}

func (s *memSession) copyResource(path, name string) (string, error) {
	dir, err := s.net.resourceDir()
	if err != nil {
		return "", err
	}
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(name))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	return dst, out.Close()
}

func (s *memSession) Disconnect() {
	s.once.Do(func() {
		close(s.done)

		s.net.mu.Lock()
		delete(s.net.sessions, s.local.ID)
		s.net.mu.Unlock()

		s.mu.Lock()
		remotes := s.peers
		s.peers = make(map[string]*memSession)
		s.mu.Unlock()

		for id, remote := range remotes {
			remote.mu.Lock()
			delete(remote.peers, s.local.ID)
			remote.mu.Unlock()
			if s.net.isPartitioned(s.local.ID, id) {
				continue
			}
			remote.emit(StateChanged{Peer: s.local, State: StateNotConnected})
		}
	})
}

type memAdvertiser struct {
	net         *MemoryNetwork
	session     *memSession
	serviceType string
	info        map[string]string
}

func (a *memAdvertiser) Start() error {
	if a.session == nil {
		return errorf("advertise", Peer{}, fmt.Errorf("not a memory session"))
	}
	if a.session.closed() {
		return errorf("advertise", a.session.local, ErrClosed)
	}
	id := a.session.local.ID

	a.net.mu.Lock()
	if a.net.ads[id] == a {
		a.net.mu.Unlock()
		return nil
	}
	a.net.ads[id] = a
	browsers := a.net.browsersFor(a.serviceType)
	a.net.mu.Unlock()

	for _, b := range browsers {
		b.notify(DiscoveryEvent{Kind: PeerFound, Peer: a.session.local, Info: a.info})
	}
	return nil
}

func (a *memAdvertiser) Stop() {
	if a.session == nil {
		return
	}
	id := a.session.local.ID

	a.net.mu.Lock()
	if a.net.ads[id] != a {
		a.net.mu.Unlock()
		return
	}
	delete(a.net.ads, id)
	browsers := a.net.browsersFor(a.serviceType)
	a.net.mu.Unlock()

	for _, b := range browsers {
		b.notify(DiscoveryEvent{Kind: PeerLost, Peer: a.session.local})
	}
}

func (n *MemoryNetwork) browsersFor(serviceType string) []*memBrowser {
	var out []*memBrowser
	for b := range n.browsers {
		if b.serviceType == serviceType {
			out = append(out, b)
		}
	}
	return out
}

type memBrowser struct {
	net         *MemoryNetwork
	local       Peer
	serviceType string
	events      chan DiscoveryEvent
}

func (b *memBrowser) Events() <-chan DiscoveryEvent { return b.events }

func (b *memBrowser) notify(ev DiscoveryEvent) {
	select {
	case b.events <- ev:
	default:
		log.Warn().Str("peer", ev.Peer.String()).Msg("memory browser: discovery queue full, event dropped")
	}
}

func (b *memBrowser) Start() error {
	b.net.mu.Lock()
	if b.net.browsers[b] {
		b.net.mu.Unlock()
		return nil
	}
	b.net.browsers[b] = true
	var found []DiscoveryEvent
	for _, a := range b.net.ads {
		if a.serviceType == b.serviceType {
			found = append(found, DiscoveryEvent{Kind: PeerFound, Peer: a.session.local, Info: a.info})
		}
	}
	b.net.mu.Unlock()

	for _, ev := range found {
		b.notify(ev)
	}
	return nil
}

func (b *memBrowser) Stop() {
	b.net.mu.Lock()
	delete(b.net.browsers, b)
	b.net.mu.Unlock()
}

// Invite connects s to the advertised peer. Advertisers accept every
// invitation; a partitioned link times out.
func (b *memBrowser) Invite(ctx context.Context, peer Peer, s Session, timeout time.Duration) error {
	local, ok := s.(*memSession)
	if !ok {
		return errorf("invite", peer, fmt.Errorf("not a memory session"))
	}
	if local.closed() {
		return errorf("invite", peer, ErrClosed)
	}

	b.net.mu.Lock()
	ad := b.net.ads[peer.ID]
	b.net.mu.Unlock()
	if ad == nil || ad.session.closed() {
		return errorf("invite", peer, ErrRejected)
	}
	remote := ad.session

	if b.net.isPartitioned(local.local.ID, remote.local.ID) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		<-ctx.Done()
		return errorf("invite", peer, contextError(ctx))
	}

	local.emit(StateChanged{Peer: remote.local, State: StateConnecting})
	remote.emit(StateChanged{Peer: local.local, State: StateConnecting})

	local.mu.Lock()
	local.peers[remote.local.ID] = remote
	local.mu.Unlock()
	remote.mu.Lock()
	remote.peers[local.local.ID] = local
	remote.mu.Unlock()

	local.emit(StateChanged{Peer: remote.local, State: StateConnected})
	remote.emit(StateChanged{Peer: local.local, State: StateConnected})
	return nil
}
