package connectivity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/liveness"
	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// ListenerDelegate receives the events of the followed advertiser plus
// changes to the discovered advertiser list.
type ListenerDelegate interface {
	session.BrowserDelegate
	AdvertisersChanged()
}

// BrowsingManager owns the single session of a listening device.
type BrowsingManager struct {
	net     transport.Network
	library *content.Library
	cfg     Config

	mu       sync.Mutex
	active   bool
	name     string
	delegate ListenerDelegate
	ts       transport.Session
	handler  *session.Browser
	browser  transport.Browser
	monitor  *liveness.Monitor
	relay    *listener
	stop     chan struct{}

	allAdvertisers  map[string][]session.PresentationSession
	changed         chan struct{}
	advertiserPeer  *transport.Peer
	pastAdvertisers []string
	// lastConnected is the history entry a reconnect may forget. It is
	// cleared once forgotten so the history is popped at most once per
	// connection.
	lastConnected string
}

func NewBrowsingManager(net transport.Network, library *content.Library, cfg Config) *BrowsingManager {
	return &BrowsingManager{
		net:            net,
		library:        library,
		cfg:            cfg.withDefaults(),
		allAdvertisers: make(map[string][]session.PresentationSession),
		changed:        make(chan struct{}),
	}
}

// InstantiateSession creates the browsing session under the local display
// name and starts discovery. An existing session is invalidated first.
func (m *BrowsingManager) InstantiateSession(name string, delegate ListenerDelegate) error {
	m.InvalidateSessions()

	local := transport.Peer{ID: uuid.NewString(), DisplayName: name, DeviceModel: m.cfg.DeviceModel}
	ts := m.net.NewSession(local)
	monitor := liveness.NewMonitor(m.cfg.Liveness, m.sendPing, m.livenessLost)
	relay := &listener{m: m, delegate: delegate}
	handler := session.NewBrowser(ts, m.library, m, relay, session.PresentationPeerFilter)
	browser := m.net.NewBrowser(local, m.cfg.ServiceType)
	stop := make(chan struct{})

	m.mu.Lock()
	m.active = true
	m.name = name
	m.delegate = delegate
	m.ts = ts
	m.handler = handler
	m.browser = browser
	m.monitor = monitor
	m.relay = relay
	m.stop = stop
	m.allAdvertisers = make(map[string][]session.PresentationSession)
	m.notifyLocked()
	m.mu.Unlock()

	go m.discover(browser, stop)

	if err := browser.Start(); err != nil {
		m.InvalidateSessions()
		return fmt.Errorf("failed to start browsing: %w", err)
	}
	log.Info().Str("name", name).Str("service", m.cfg.ServiceType).Msg("browsing started")
	return nil
}

func (m *BrowsingManager) discover(b transport.Browser, stop chan struct{}) {
	for {
		select {
		case ev := <-b.Events():
			m.handleDiscovery(b, ev)
		case <-stop:
			return
		}
	}
}

func (m *BrowsingManager) handleDiscovery(b transport.Browser, ev transport.DiscoveryEvent) {
	switch ev.Kind {
	case transport.PeerFound:
		info, err := session.ParseDiscoveryInfo(ev.Info)
		if err != nil {
			log.Debug().Err(err).Str("peer", ev.Peer.String()).Msg("ignoring advertiser")
			return
		}
		if m.cfg.DeviceID != "" && info.ID == m.cfg.DeviceID {
			return
		}
		ps := session.NewPresentationSession(ev.Peer, info)
		log.Debug().Str("session", ps.UniqueID()).Msg("advertiser found")

		m.mu.Lock()
		if m.browser != b {
			m.mu.Unlock()
			return
		}
		m.upsertLocked(ps)
		m.notifyLocked()
		m.mu.Unlock()

	case transport.PeerLost:
		m.mu.Lock()
		removed := m.removeLocked(ev.Peer.ID)
		if removed {
			m.notifyLocked()
		}
		m.mu.Unlock()
		if !removed {
			return
		}
		log.Debug().Str("peer", ev.Peer.ID).Msg("advertiser lost")
	}

	if d := m.currentDelegate(); d != nil {
		d.AdvertisersChanged()
	}
}

func (m *BrowsingManager) upsertLocked(ps session.PresentationSession) {
	name := ps.DisplayName()
	list := m.allAdvertisers[name]
	for i := range list {
		if list[i].Peer.ID == ps.Peer.ID {
			list[i] = ps
			return
		}
	}
	m.allAdvertisers[name] = append(list, ps)
}

func (m *BrowsingManager) removeLocked(peerID string) bool {
	for name, list := range m.allAdvertisers {
		for i := range list {
			if list[i].Peer.ID != peerID {
				continue
			}
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(m.allAdvertisers, name)
			} else {
				m.allAdvertisers[name] = list
			}
			return true
		}
	}
	return false
}

// notifyLocked wakes everyone waiting on the advertiser list.
func (m *BrowsingManager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *BrowsingManager) currentDelegate() ListenerDelegate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegate
}

// ActualAdvertisers returns, per display name, the latest discovered
// session that was not connected to before. The result is sorted by name.
func (m *BrowsingManager) ActualAdvertisers() []session.PresentationSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	var actual []session.PresentationSession
	for name := range m.allAdvertisers {
		ps, ok := m.latestLocked(name)
		if ok && m.availableLocked(ps) {
			actual = append(actual, ps)
		}
	}
	sort.Slice(actual, func(i, j int) bool {
		return actual[i].DisplayName() < actual[j].DisplayName()
	})
	return actual
}

func (m *BrowsingManager) latestLocked(name string) (session.PresentationSession, bool) {
	list := m.allAdvertisers[name]
	if len(list) == 0 {
		return session.PresentationSession{}, false
	}
	latest := list[0]
	for _, ps := range list[1:] {
		if ps.Newer(latest) {
			latest = ps
		}
	}
	return latest, true
}

// CheckIfAdvertiserSessionAvailable reports whether ps has not been
// connected to yet.
func (m *BrowsingManager) CheckIfAdvertiserSessionAvailable(ps session.PresentationSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(ps)
}

func (m *BrowsingManager) availableLocked(ps session.PresentationSession) bool {
	id := ps.UniqueID()
	for _, past := range m.pastAdvertisers {
		if past == id {
			return false
		}
	}
	return true
}

// RegisterAdvertiserSession remembers ps as connected to.
func (m *BrowsingManager) RegisterAdvertiserSession(ps session.PresentationSession) {
	m.mu.Lock()
	m.pastAdvertisers = append(m.pastAdvertisers, ps.UniqueID())
	m.lastConnected = ps.UniqueID()
	m.notifyLocked()
	m.mu.Unlock()
}

// RemoveLastConnectedAdvertiserSessionHash makes the most recently
// connected session available again.
func (m *BrowsingManager) RemoveLastConnectedAdvertiserSessionHash() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.pastAdvertisers); n > 0 {
		if m.pastAdvertisers[n-1] == m.lastConnected {
			m.lastConnected = ""
		}
		m.pastAdvertisers = m.pastAdvertisers[:n-1]
		m.notifyLocked()
	}
}

// forgetLastConnected makes the session connected to most recently
// available again, unless it was already forgotten or a later entry
// followed it.
func (m *BrowsingManager) forgetLastConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.lastConnected
	m.lastConnected = ""
	n := len(m.pastAdvertisers)
	if last == "" || n == 0 || m.pastAdvertisers[n-1] != last {
		return
	}
	m.pastAdvertisers = m.pastAdvertisers[:n-1]
	m.notifyLocked()
}

func (m *BrowsingManager) PastAdvertisers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pastAdvertisers...)
}

// RegisterAdvertiserPeer sets the peer liveness pings are sent to.
func (m *BrowsingManager) RegisterAdvertiserPeer(peer transport.Peer) {
	m.mu.Lock()
	m.advertiserPeer = &peer
	m.mu.Unlock()
}

// AdvertiserPeer returns the followed advertiser.
func (m *BrowsingManager) AdvertiserPeer() (transport.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advertiserPeer == nil {
		return transport.Peer{}, false
	}
	return *m.advertiserPeer, true
}

// LocalPeer returns the browsing session's own peer.
func (m *BrowsingManager) LocalPeer() (transport.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ts == nil {
		return transport.Peer{}, false
	}
	return m.ts.LocalPeer(), true
}

// registerConnected records the advertiser a Connected event came from. The
// discovered record with the same peer id wins; otherwise the latest one
// with that display name.
func (m *BrowsingManager) registerConnected(peer transport.Peer) {
	m.mu.Lock()
	m.advertiserPeer = &peer

	var (
		ps    session.PresentationSession
		found bool
	)
	for _, candidate := range m.allAdvertisers[peer.DisplayName] {
		if candidate.Peer.ID == peer.ID {
			ps, found = candidate, true
			break
		}
	}
	if !found {
		ps, found = m.latestLocked(peer.DisplayName)
	}
	if found {
		m.pastAdvertisers = append(m.pastAdvertisers, ps.UniqueID())
		m.lastConnected = ps.UniqueID()
		m.notifyLocked()
	}
	m.mu.Unlock()

	if found {
		log.Info().Str("session", ps.UniqueID()).Msg("connected to advertiser")
	}
}

// Connect invites the advertiser of ps into the browsing session.
func (m *BrowsingManager) Connect(ctx context.Context, ps session.PresentationSession) error {
	m.mu.Lock()
	browser, ts := m.browser, m.ts
	m.mu.Unlock()
	if browser == nil {
		return ErrNotBrowsing
	}

	log.Info().Str("session", ps.UniqueID()).Msg("inviting advertiser")
	if err := browser.Invite(ctx, ps.Peer, ts, m.cfg.InviteTimeout); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", ps.DisplayName(), err)
	}
	return nil
}

// Reconnect rebuilds the browsing session and connects again to the
// advertiser with displayName, waiting up to the settle delay for it to be
// rediscovered.
func (m *BrowsingManager) Reconnect(ctx context.Context, displayName string) error {
	m.mu.Lock()
	name, delegate := m.name, m.delegate
	m.mu.Unlock()
	if delegate == nil {
		return ErrNotBrowsing
	}

	if err := m.InstantiateSession(name, delegate); err != nil {
		return err
	}
	m.forgetLastConnected()

	settle := time.NewTimer(m.cfg.SettleDelay)
	defer settle.Stop()
	for {
		ps, changed, ok := m.findAvailable(displayName)
		if ok {
			return m.Connect(ctx, ps)
		}
		select {
		case <-changed:
		case <-settle.C:
			return fmt.Errorf("reconnect %s: %w", displayName, ErrAdvertiserNotFound)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *BrowsingManager) findAvailable(displayName string) (session.PresentationSession, <-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.latestLocked(displayName)
	if ok && m.availableLocked(ps) {
		return ps, m.changed, true
	}
	return session.PresentationSession{}, m.changed, false
}

// Refresh forgets discovered advertisers and restarts browsing.
func (m *BrowsingManager) Refresh() error {
	m.mu.Lock()
	browser, delegate := m.browser, m.delegate
	m.allAdvertisers = make(map[string][]session.PresentationSession)
	m.notifyLocked()
	m.mu.Unlock()
	if browser == nil {
		return ErrNotBrowsing
	}

	if delegate != nil {
		delegate.AdvertisersChanged()
	}
	browser.Stop()
	if err := browser.Start(); err != nil {
		return fmt.Errorf("failed to restart browsing: %w", err)
	}
	return nil
}

// InvalidateSessions stops browsing and disconnects. The connection
// history survives so a later Reconnect can skip stale sessions.
func (m *BrowsingManager) InvalidateSessions() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	ts, handler, browser, monitor := m.ts, m.handler, m.browser, m.monitor
	close(m.stop)
	m.ts, m.handler, m.browser, m.monitor, m.relay, m.stop = nil, nil, nil, nil, nil, nil
	m.advertiserPeer = nil
	m.allAdvertisers = make(map[string][]session.PresentationSession)
	m.notifyLocked()
	m.mu.Unlock()

	monitor.StopPinging()
	monitor.Close()
	browser.Stop()
	handler.Close()
	ts.Disconnect()
	log.Info().Msg("browsing invalidated")
}

// restartAfterStop drops the session an advertiser stopped sharing on and
// browses again under the same name. It does nothing when from no longer
// relays for the current session.
func (m *BrowsingManager) restartAfterStop(from *listener) {
	m.mu.Lock()
	current := m.active && m.relay == from
	name := m.name
	m.mu.Unlock()
	if !current {
		return
	}
	if err := m.InstantiateSession(name, from.delegate); err != nil {
		log.Error().Err(err).Msg("failed to restart browsing")
		return
	}
	if d := m.currentDelegate(); d != nil {
		d.AdvertisersChanged()
	}
}

func (m *BrowsingManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *BrowsingManager) currentMonitor() *liveness.Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitor
}

func (m *BrowsingManager) StartHeartbeat() {
	if mon := m.currentMonitor(); mon != nil {
		mon.StartHeartbeat()
	}
}

func (m *BrowsingManager) StopHeartbeat() {
	if mon := m.currentMonitor(); mon != nil {
		mon.StopHeartbeat()
	}
}

func (m *BrowsingManager) StopPinging() {
	if mon := m.currentMonitor(); mon != nil {
		mon.StopPinging()
	}
}

func (m *BrowsingManager) PongReceived() {
	if mon := m.currentMonitor(); mon != nil {
		mon.PongReceived()
	}
}

// LivenessState reports the heartbeat state of the followed advertiser.
func (m *BrowsingManager) LivenessState() liveness.State {
	if mon := m.currentMonitor(); mon != nil {
		return mon.State()
	}
	return liveness.Idle
}

func (m *BrowsingManager) sendPing() error {
	m.mu.Lock()
	handler, peer := m.handler, m.advertiserPeer
	m.mu.Unlock()
	if handler == nil || peer == nil {
		return transport.ErrNotConnected
	}
	return handler.Send(protocol.Ping(), *peer)
}

func (m *BrowsingManager) livenessLost() {
	m.mu.Lock()
	delegate, peer := m.delegate, m.advertiserPeer
	m.mu.Unlock()
	if delegate == nil || peer == nil {
		return
	}
	delegate.Disconnected(*peer, liveness.ErrTimeout)
}

// listener sits between the browser handler and the application delegate
// to keep the connection history current.
type listener struct {
	m        *BrowsingManager
	delegate ListenerDelegate
}

func (l *listener) AdvertiserStateChanged(peer transport.Peer, state transport.State) {
	if state == transport.StateConnected {
		l.m.registerConnected(peer)
	}
	l.delegate.AdvertiserStateChanged(peer, state)
}

func (l *listener) ActiveSlideReceived(peer transport.Peer, state content.PresentationState) {
	l.delegate.ActiveSlideReceived(peer, state)
}

func (l *listener) SlideUpdated(peer transport.Peer, name string, page uint) {
	l.delegate.SlideUpdated(peer, name, page)
}

// SharingStopped leaves the session the advertiser stopped sharing on. With
// showAgain the advertiser becomes listed again for a later reconnect.
func (l *listener) SharingStopped(peer transport.Peer, showAgain bool) {
	if showAgain {
		l.m.forgetLastConnected()
	}
	l.delegate.SharingStopped(peer, showAgain)
	// runs on the session's event loop, which the restart closes
	go l.m.restartAfterStop(l)
}

func (l *listener) DownloadStarted(peer transport.Peer, name string) {
	l.delegate.DownloadStarted(peer, name)
}

func (l *listener) DownloadFailed(err *session.ResourceTransferError) {
	l.delegate.DownloadFailed(err)
}

func (l *listener) Disconnected(peer transport.Peer, err error) {
	l.delegate.Disconnected(peer, err)
}
