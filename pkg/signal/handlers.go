package signal

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

// readPump reads messages from the WebSocket
func (m *member) readPump() {
	defer func() {
		m.server.removeMember(m)
		m.conn.Close()
	}()

	for {
		_, message, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("signal: websocket error")
			}
			break
		}

		var msg SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Warn().Err(err).Msg("signal: invalid message format")
			continue
		}

		m.handleMessage(msg)
	}
}

// writePump sends messages to the WebSocket
func (m *member) writePump() {
	defer m.conn.Close()

	for message := range m.send {
		if err := m.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Warn().Err(err).Msg("signal: websocket write error")
			return
		}
	}
}

// handleMessage processes incoming signaling messages
func (m *member) handleMessage(msg SignalMessage) {
	lobby := m.server.getOrCreateLobby(m.service)
	msg.Service = m.service

	switch msg.Type {
	case TypeAnnounce:
		m.handleAnnounce(lobby, msg)
	case TypeWithdraw:
		m.handleWithdraw(lobby, msg)
	case TypeBrowse:
		m.handleBrowse(lobby, msg)
	case TypeOffer, TypeAnswer, TypeReject:
		m.relay(lobby, msg)
	default:
		log.Debug().Str("type", msg.Type).Msg("signal: unknown message type")
	}
}

func (m *member) handleAnnounce(lobby *Lobby, msg SignalMessage) {
	if msg.PeerID == "" {
		m.queue(SignalMessage{Type: TypeError, Error: "announce without peerId"})
		return
	}

	lobby.mu.Lock()
	defer lobby.mu.Unlock()

	m.ids[msg.PeerID] = true
	found := msg
	found.Type = TypeFound
	m.ads[msg.PeerID] = found
	log.Info().Str("service", lobby.service).Str("peer", msg.DisplayName).Msg("signal: advertisement announced")

	lobby.broadcastBrowsersLocked(m, found)
}

func (m *member) handleWithdraw(lobby *Lobby, msg SignalMessage) {
	lobby.mu.Lock()
	defer lobby.mu.Unlock()

	if _, ok := m.ads[msg.PeerID]; !ok {
		return
	}
	delete(m.ads, msg.PeerID)
	lobby.broadcastBrowsersLocked(m, SignalMessage{Type: TypeLost, Service: lobby.service, PeerID: msg.PeerID})
}

func (m *member) handleBrowse(lobby *Lobby, msg SignalMessage) {
	lobby.mu.Lock()
	defer lobby.mu.Unlock()

	m.browsing = true
	if msg.PeerID != "" {
		m.ids[msg.PeerID] = true
	}
	for other := range lobby.members {
		if other == m {
			continue
		}
		for _, ad := range other.ads {
			m.queue(ad)
		}
	}
}

// relay forwards offers and answers to the member speaking for msg.To
func (m *member) relay(lobby *Lobby, msg SignalMessage) {
	lobby.mu.Lock()
	defer lobby.mu.Unlock()

	if msg.PeerID == "" {
		m.queue(SignalMessage{Type: TypeError, Error: msg.Type + " without peerId"})
		return
	}
	m.ids[msg.PeerID] = true

	for other := range lobby.members {
		if other != m && other.owns(msg.To) {
			other.queue(msg)
			return
		}
	}
	if msg.Type == TypeOffer {
		m.queue(SignalMessage{Type: TypeReject, PeerID: msg.To, To: msg.PeerID, Error: "peer not found"})
	}
}
