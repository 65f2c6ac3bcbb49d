package connectivity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

type advertisedSession struct {
	handler *session.Advertiser
	ad      transport.Advertiser
}

func (s *advertisedSession) close() {
	s.ad.Stop()
	s.handler.Close()
	s.handler.Transport().Disconnect()
}

// AdvertisingManager owns the sessions of a presenting device.
type AdvertisingManager struct {
	net     transport.Network
	content session.Content
	cfg     Config

	mu        sync.Mutex
	sessions  []*advertisedSession
	connected int
	active    bool
	onActive  func(active bool)
}

func NewAdvertisingManager(net transport.Network, c session.Content, cfg Config) *AdvertisingManager {
	return &AdvertisingManager{
		net:     net,
		content: c,
		cfg:     cfg.withDefaults(),
	}
}

// SetActiveCallback registers fn to be called whenever advertising starts
// or is invalidated.
func (m *AdvertisingManager) SetActiveCallback(fn func(active bool)) {
	m.mu.Lock()
	m.onActive = fn
	m.mu.Unlock()
}

func (m *AdvertisingManager) notify(active bool) {
	m.mu.Lock()
	fn := m.onActive
	m.mu.Unlock()
	if fn != nil {
		fn(active)
	}
}

// CreateSession replaces any existing sessions with a primary session
// advertised under name.
func (m *AdvertisingManager) CreateSession(name string) error {
	m.invalidate()

	s, err := m.newSession(name, 0)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions = []*advertisedSession{s}
	m.connected = 0
	m.active = true
	m.mu.Unlock()

	log.Info().Str("name", name).Str("session", s.handler.Record().UniqueID()).Msg("advertising started")
	m.notify(true)
	return nil
}

// AddSupplementarySession opens one more session under the primary
// session's display name.
func (m *AdvertisingManager) AddSupplementarySession() error {
	m.mu.Lock()
	if len(m.sessions) == 0 {
		m.mu.Unlock()
		return ErrNoPrimarySession
	}
	name := m.sessions[0].handler.Record().DisplayName()
	index := len(m.sessions)
	m.mu.Unlock()

	s, err := m.newSession(name, index)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		s.close()
		return ErrNoPrimarySession
	}
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()

	log.Info().Str("name", name).Int("index", index).Msg("supplementary session added")
	return nil
}

func (m *AdvertisingManager) newSession(name string, index int) (*advertisedSession, error) {
	peer := transport.Peer{ID: uuid.NewString(), DisplayName: name, DeviceModel: m.cfg.DeviceModel}
	record := session.PresentationSession{
		Peer:               peer,
		Index:              index,
		CreationDate:       time.Now(),
		BroadcastingDevice: m.cfg.DeviceModel,
		DeviceID:           m.cfg.DeviceID,
	}

	ts := m.net.NewSession(peer)
	handler := session.NewAdvertiser(record, ts, m.content, m)
	ad := m.net.NewAdvertiser(ts, m.cfg.ServiceType, record.Info().Map())
	if err := ad.Start(); err != nil {
		handler.Close()
		ts.Disconnect()
		return nil, fmt.Errorf("failed to advertise %s: %w", name, err)
	}
	return &advertisedSession{handler: handler, ad: ad}, nil
}

// SupplementarySessionNeeded reports whether the connected peer count sits
// on a nonzero multiple of the capacity.
func (m *AdvertisingManager) SupplementarySessionNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supplementaryNeededLocked()
}

func (m *AdvertisingManager) supplementaryNeededLocked() bool {
	return m.connected > 0 && m.connected%m.cfg.Capacity == 0
}

// PeerConnected counts a joined peer and adds a supplementary session when
// the count reaches a multiple of the capacity.
func (m *AdvertisingManager) PeerConnected(a *session.Advertiser, peer transport.Peer) {
	m.mu.Lock()
	m.connected++
	count := m.connected
	needed := m.supplementaryNeededLocked()
	m.mu.Unlock()

	log.Info().Str("peer", peer.String()).Int("connected", count).Msg("listener joined")
	if !needed {
		return
	}
	if err := m.AddSupplementarySession(); err != nil {
		log.Warn().Err(err).Msg("supplementary session not added")
	}
}

func (m *AdvertisingManager) PeerDisconnected(a *session.Advertiser, peer transport.Peer) {
	m.mu.Lock()
	if m.connected > 0 {
		m.connected--
	}
	count := m.connected
	m.mu.Unlock()

	log.Info().Str("peer", peer.String()).Int("connected", count).Msg("listener left")
}

// Broadcast sends msg to the peers of every session. Failures are logged.
func (m *AdvertisingManager) Broadcast(msg protocol.Message) {
	for _, s := range m.snapshot() {
		if err := s.handler.Broadcast(msg); err != nil {
			log.Warn().Err(err).Str("session", s.handler.Record().UniqueID()).Str("command", string(msg.Tag())).Msg("broadcast failed")
		}
	}
}

func (m *AdvertisingManager) snapshot() []*advertisedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*advertisedSession(nil), m.sessions...)
}

// Sessions returns the records of the advertised sessions, primary first.
func (m *AdvertisingManager) Sessions() []session.PresentationSession {
	sessions := m.snapshot()
	records := make([]session.PresentationSession, len(sessions))
	for i, s := range sessions {
		records[i] = s.handler.Record()
	}
	return records
}

// ConnectedPeerCount is the number of listeners counted by the capacity
// rule.
func (m *AdvertisingManager) ConnectedPeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *AdvertisingManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// InvalidateAll stops advertising and disconnects every session.
func (m *AdvertisingManager) InvalidateAll() {
	if m.invalidate() {
		m.notify(false)
	}
}

func (m *AdvertisingManager) invalidate() bool {
	m.mu.Lock()
	if !m.active && len(m.sessions) == 0 {
		m.mu.Unlock()
		return false
	}
	sessions := m.sessions
	m.sessions = nil
	m.connected = 0
	m.active = false
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	log.Info().Int("sessions", len(sessions)).Msg("advertising invalidated")
	return true
}
