package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

// Client is one WebSocket connection to a lobby
type Client struct {
	conn         *websocket.Conn
	connMu       sync.Mutex
	msgChan      chan SignalMessage
	done         chan struct{}
	onDisconnect func()
	closed       bool
	closeMu      sync.Mutex
}

// LobbyURL builds the websocket URL of a service lobby from a server base
// URL. http and https schemes are mapped to ws and wss.
func LobbyURL(base, service string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://"):
		base = "ws://" + base
	}
	return base + "/ws/" + NormalizeServiceType(service)
}

// Dial connects to the lobby of service on the server at base
func Dial(ctx context.Context, base, service string) (*Client, error) {
	service = NormalizeServiceType(service)
	if !ValidateServiceType(service) {
		return nil, fmt.Errorf("invalid service type %q", service)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, LobbyURL(base, service), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signal server: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:    conn,
		msgChan: make(chan SignalMessage, 100),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer func() {
		close(c.msgChan)
		c.closeMu.Lock()
		handler := c.onDisconnect
		if c.closed {
			handler = nil
		}
		c.closeMu.Unlock()
		if handler != nil {
			handler()
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Warn().Err(err).Msg("signal: websocket read error")
			}
			return
		}
		var msg SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("signal: invalid message format")
			continue
		}
		select {
		case c.msgChan <- msg:
		case <-c.done:
			return
		}
	}
}

// Send writes one message to the server
func (c *Client) Send(msg SignalMessage) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return fmt.Errorf("signal client closed")
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Messages returns channel of incoming messages. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan SignalMessage {
	return c.msgChan
}

// SetDisconnectHandler sets callback for when connection is lost
func (c *Client) SetDisconnectHandler(handler func()) {
	c.closeMu.Lock()
	c.onDisconnect = handler
	c.closeMu.Unlock()
}

// Close shuts down the client
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		c.conn.Close()
	}
}
