// Package connectivity manages the sessions of a presenting or listening
// device: advertising with capacity driven supplementary sessions, browsing
// with reconnect bookkeeping, and the App that switches between the two.
package connectivity

import (
	"errors"
	"time"

	"github.com/tomaslejdung/slidepeep/pkg/liveness"
)

const (
	DefaultServiceType   = "slidepeep"
	DefaultCapacity      = 7
	DefaultInviteTimeout = 30 * time.Second
	DefaultSettleDelay   = time.Second
)

var (
	ErrNoPrimarySession   = errors.New("no primary session")
	ErrAdvertiserNotFound = errors.New("advertiser not found")
	ErrNotBrowsing        = errors.New("not browsing")
)

// Config holds the identity and timings shared by both managers.
type Config struct {
	ServiceType string
	DisplayName string // name a listening device joins sessions with
	DeviceID    string
	DeviceModel string

	// Capacity is the number of peers per advertised session before a
	// supplementary session is opened.
	Capacity      int
	InviteTimeout time.Duration
	// SettleDelay bounds how long Reconnect waits for the advertiser to be
	// rediscovered.
	SettleDelay time.Duration
	Liveness    liveness.Config
}

func DefaultConfig() Config {
	return Config{
		ServiceType:   DefaultServiceType,
		Capacity:      DefaultCapacity,
		InviteTimeout: DefaultInviteTimeout,
		SettleDelay:   DefaultSettleDelay,
		Liveness:      liveness.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ServiceType == "" {
		c.ServiceType = def.ServiceType
	}
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = def.InviteTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = def.SettleDelay
	}
	return c
}
