// Package liveness detects silently dropped links on the listener side.
//
// After a heartbeat delay the monitor pings the followed advertiser at a
// fixed interval. A pong restarts the cycle; when no pong arrives before
// the expiration timer fires the link is declared lost.
package liveness

import (
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
)

// ErrTimeout is reported to the disconnect delegate when the expiration
// timer fires before a pong.
var ErrTimeout = errors.New("liveness timeout")

// Config holds the monitor timings.
type Config struct {
	HeartbeatDelay time.Duration
	PingInterval   time.Duration
	Expiration     time.Duration
}

// DefaultConfig returns the 15s / 3s / 9s timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatDelay: 15 * time.Second,
		PingInterval:   3 * time.Second,
		Expiration:     9 * time.Second,
	}
}

// State is the monitor state.
type State int

const (
	Idle State = iota
	HeartbeatPending
	ActivelyPinging
	Lost
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HeartbeatPending:
		return "heartbeat-pending"
	case ActivelyPinging:
		return "pinging"
	case Lost:
		return "lost"
	}
	return "unknown"
}

// task is a cancellable scheduled callback. A fired task whose handle is no
// longer the one stored in the monitor is stale and does nothing.
type task struct {
	timer *time.Timer
}

func (t *task) cancel() {
	if t != nil {
		t.timer.Stop()
	}
}

// Monitor is the heartbeat state machine. All methods are safe for
// concurrent use and idempotent.
type Monitor struct {
	cfg    Config
	ping   func() error
	onLost func()

	mu     sync.Mutex
	state  State
	delay  *task
	pinger *task
	expire *task
	closed bool
}

// NewMonitor returns an idle monitor. ping sends one ping to the followed
// peer; onLost is called once per expiration.
func NewMonitor(cfg Config, ping func() error, onLost func()) *Monitor {
	def := DefaultConfig()
	if cfg.HeartbeatDelay <= 0 {
		cfg.HeartbeatDelay = def.HeartbeatDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = def.Expiration
	}
	return &Monitor{cfg: cfg, ping: ping, onLost: onLost}
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartHeartbeat cancels outstanding timers and schedules the heartbeat
// delay. The last call wins.
func (m *Monitor) StartHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.restartLocked()
}

// StopHeartbeat cancels a pending heartbeat delay. Active pinging is left
// running.
func (m *Monitor) StopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay.cancel()
	m.delay = nil
	if m.state == HeartbeatPending {
		m.state = Idle
	}
}

// StopPinging cancels every timer and returns to Idle.
func (m *Monitor) StopPinging() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAllLocked()
	m.state = Idle
}

// PongReceived restarts the cycle. Pongs arriving while Idle or Lost are
// ignored.
func (m *Monitor) PongReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state == Idle || m.state == Lost {
		return
	}
	m.restartLocked()
}

// Close stops the monitor for good.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancelAllLocked()
	m.state = Idle
}

func (m *Monitor) restartLocked() {
	m.cancelAllLocked()
	m.state = HeartbeatPending
	m.delay = m.schedule(m.cfg.HeartbeatDelay, m.delayFired)
}

func (m *Monitor) cancelAllLocked() {
	m.delay.cancel()
	m.pinger.cancel()
	m.expire.cancel()
	m.delay, m.pinger, m.expire = nil, nil, nil
}

func (m *Monitor) schedule(d time.Duration, fn func(*task)) *task {
	t := &task{}
	t.timer = time.AfterFunc(d, func() { fn(t) })
	return t
}

func (m *Monitor) delayFired(t *task) {
	m.mu.Lock()
	if m.delay != t {
		m.mu.Unlock()
		return
	}
	m.delay = nil
	m.state = ActivelyPinging
	m.armPingLocked()
	m.mu.Unlock()

	m.sendPing()
}

func (m *Monitor) pingFired(t *task) {
	m.mu.Lock()
	if m.pinger != t {
		m.mu.Unlock()
		return
	}
	m.armPingLocked()
	m.mu.Unlock()

	m.sendPing()
}

// armPingLocked schedules the next ping and arms the expiration timer if
// none is armed.
func (m *Monitor) armPingLocked() {
	m.pinger = m.schedule(m.cfg.PingInterval, m.pingFired)
	if m.expire == nil {
		m.expire = m.schedule(m.cfg.Expiration, m.expireFired)
	}
}

func (m *Monitor) expireFired(t *task) {
	m.mu.Lock()
	if m.expire != t {
		m.mu.Unlock()
		return
	}
	m.cancelAllLocked()
	m.state = Lost
	m.mu.Unlock()

	log.Warn().Dur("expiration", m.cfg.Expiration).Msg("liveness: no pong, link lost")
	if m.onLost != nil {
		m.onLost()
	}
}

func (m *Monitor) sendPing() {
	if m.ping == nil {
		return
	}
	if err := m.ping(); err != nil {
		log.Warn().Err(err).Msg("liveness: ping failed")
	}
}
