// Package signal implements the discovery lobby the WebRTC transport uses
// to find advertisers and exchange SDP.
package signal

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

// member represents a connected WebSocket client
type member struct {
	conn     *websocket.Conn
	service  string
	browsing bool
	ids      map[string]bool          // peer ids this socket speaks for
	ads      map[string]SignalMessage // announcements by peer id
	send     chan []byte
	server   *Server
}

func (m *member) owns(peerID string) bool {
	return m.ids[peerID]
}

// Lobby holds the connected clients of one service type
type Lobby struct {
	service string
	members map[*member]bool
	mu      sync.RWMutex
}

// Server manages WebSocket connections and lobby routing
type Server struct {
	lobbies  map[string]*Lobby
	mu       sync.RWMutex
	upgrader websocket.Upgrader
}

// NewServer creates a new signaling server
func NewServer() *Server {
	return &Server{
		lobbies: make(map[string]*Lobby),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// getOrCreateLobby returns existing lobby or creates new one
func (s *Server) getOrCreateLobby(service string) *Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lobby, exists := s.lobbies[service]; exists {
		return lobby
	}

	lobby := &Lobby{
		service: service,
		members: make(map[*member]bool),
	}
	s.lobbies[service] = lobby
	return lobby
}

// join adds a client to its lobby
func (s *Server) join(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobby, exists := s.lobbies[m.service]
	if !exists {
		lobby = &Lobby{service: m.service, members: make(map[*member]bool)}
		s.lobbies[m.service] = lobby
	}
	lobby.mu.Lock()
	lobby.members[m] = true
	lobby.mu.Unlock()
}

// removeMember drops a client and withdraws its advertisements
func (s *Server) removeMember(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobby, exists := s.lobbies[m.service]
	if !exists {
		return
	}

	lobby.mu.Lock()
	defer lobby.mu.Unlock()

	if !lobby.members[m] {
		return
	}
	delete(lobby.members, m)
	for id := range m.ads {
		lobby.broadcastBrowsersLocked(m, SignalMessage{Type: TypeLost, Service: lobby.service, PeerID: id})
	}
	m.ads = nil
	close(m.send)

	if len(lobby.members) == 0 {
		delete(s.lobbies, m.service)
	}
}

// HandleWebSocket handles WebSocket connections for signaling
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Extract service type from URL path: /ws/{service}
	service := NormalizeServiceType(strings.TrimPrefix(r.URL.Path, "/ws/"))

	if !ValidateServiceType(service) {
		http.Error(w, "Invalid service type", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("signal: websocket upgrade failed")
		return
	}

	m := &member{
		conn:    conn,
		service: service,
		ids:     make(map[string]bool),
		ads:     make(map[string]SignalMessage),
		send:    make(chan []byte, 256),
		server:  s,
	}

	s.join(m)

	go m.writePump()
	go m.readPump()
}

// Handler returns the HTTP routes of the lobby
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts the signaling HTTP server
func (s *Server) StartServer(addr string) error {
	log.Info().Str("addr", addr).Msg("signal server starting")
	return http.ListenAndServe(addr, s.Handler())
}

// AdvertisementCount returns the number of advertisements in a lobby
func (s *Server) AdvertisementCount(service string) int {
	s.mu.RLock()
	lobby, exists := s.lobbies[NormalizeServiceType(service)]
	s.mu.RUnlock()

	if !exists {
		return 0
	}

	lobby.mu.RLock()
	defer lobby.mu.RUnlock()

	count := 0
	for m := range lobby.members {
		count += len(m.ads)
	}
	return count
}

func (m *member) queue(msg SignalMessage) {
	data, _ := json.Marshal(msg)
	select {
	case m.send <- data:
	default:
		log.Warn().Str("type", msg.Type).Msg("signal: client buffer full, message dropped")
	}
}

// broadcastBrowsersLocked sends msg to every browsing member except from.
func (l *Lobby) broadcastBrowsersLocked(from *member, msg SignalMessage) {
	for other := range l.members {
		if other != from && other.browsing {
			other.queue(msg)
		}
	}
}
