// Package session binds transport sessions to the command protocol. An
// Advertiser serves commands for a presenting device; a Browser follows an
// advertiser on a listening device.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// Discovery metadata keys.
const (
	InfoIndex        = "index"
	InfoCreationDate = "creation_date"
	InfoDevice       = "device"
	InfoID           = "id"
)

// DiscoveryInfo is the metadata advertised with every session.
type DiscoveryInfo struct {
	Index        int
	CreationDate time.Time
	Device       string
	ID           string // stable per device
}

// Map encodes the info for advertisement.
func (d DiscoveryInfo) Map() map[string]string {
	return map[string]string{
		InfoIndex:        strconv.Itoa(d.Index),
		InfoCreationDate: strconv.FormatInt(d.CreationDate.Unix(), 10),
		InfoDevice:       d.Device,
		InfoID:           d.ID,
	}
}

// ParseDiscoveryInfo decodes advertised metadata. Index and creation date
// are required.
func ParseDiscoveryInfo(m map[string]string) (DiscoveryInfo, error) {
	index, err := strconv.Atoi(strings.TrimSpace(m[InfoIndex]))
	if err != nil || index < 0 {
		return DiscoveryInfo{}, fmt.Errorf("discovery info: bad %s %q", InfoIndex, m[InfoIndex])
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(m[InfoCreationDate]), 10, 64)
	if err != nil {
		return DiscoveryInfo{}, fmt.Errorf("discovery info: bad %s %q", InfoCreationDate, m[InfoCreationDate])
	}
	return DiscoveryInfo{
		Index:        index,
		CreationDate: time.Unix(secs, 0),
		Device:       m[InfoDevice],
		ID:           m[InfoID],
	}, nil
}

// PresentationSession describes one advertised session. Several sessions
// may share a display name when a presenter runs supplementary sessions.
type PresentationSession struct {
	Peer               transport.Peer
	Index              int
	CreationDate       time.Time
	BroadcastingDevice string
	DeviceID           string
}

// NewPresentationSession rebuilds a session record from a discovery event.
func NewPresentationSession(peer transport.Peer, info DiscoveryInfo) PresentationSession {
	return PresentationSession{
		Peer:               peer,
		Index:              info.Index,
		CreationDate:       info.CreationDate,
		BroadcastingDevice: info.Device,
		DeviceID:           info.ID,
	}
}

// DisplayName is the advertised name, the presentation file name.
func (ps PresentationSession) DisplayName() string {
	return ps.Peer.DisplayName
}

// UniqueID identifies the session across rediscoveries.
func (ps PresentationSession) UniqueID() string {
	return ps.Peer.DisplayName + "+" + strconv.Itoa(ps.Index) + "+" + strconv.FormatInt(ps.CreationDate.Unix(), 10)
}

// Info returns the metadata to advertise the session with.
func (ps PresentationSession) Info() DiscoveryInfo {
	return DiscoveryInfo{
		Index:        ps.Index,
		CreationDate: ps.CreationDate,
		Device:       ps.BroadcastingDevice,
		ID:           ps.DeviceID,
	}
}

// Newer reports whether ps was created after other. Ties go to the higher
// index.
func (ps PresentationSession) Newer(other PresentationSession) bool {
	a, b := ps.CreationDate.Unix(), other.CreationDate.Unix()
	if a != b {
		return a > b
	}
	return ps.Index > other.Index
}

// PeerFilter decides whether a peer's state changes are handled.
type PeerFilter func(transport.Peer) bool

// PresentationExtensions are the file types advertised sessions are
// recognized by. Matching is case-sensitive.
var PresentationExtensions = []string{".pptx", ".key"}

// IsPresentationName reports whether name contains a presentation
// extension.
func IsPresentationName(name string) bool {
	for _, ext := range PresentationExtensions {
		if strings.Contains(name, ext) {
			return true
		}
	}
	return false
}

// PresentationPeerFilter accepts peers whose display name looks like a
// presentation file.
func PresentationPeerFilter(p transport.Peer) bool {
	return IsPresentationName(p.DisplayName)
}
