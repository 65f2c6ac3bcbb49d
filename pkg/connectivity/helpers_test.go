package connectivity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

type recordingListener struct {
	mu      sync.Mutex
	calls   []string
	changes atomic.Int32
}

func (l *recordingListener) add(format string, args ...any) {
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *recordingListener) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *recordingListener) waitFor(t *testing.T, call string) {
	t.Helper()
	require.Eventually(t, func() bool { return l.count(call) > 0 }, 2*time.Second, 5*time.Millisecond,
		"waiting for %q, got %v", call, l.snapshot())
}

func (l *recordingListener) AdvertiserStateChanged(peer transport.Peer, state transport.State) {
	l.add("state %s %s", peer.DisplayName, state)
}

func (l *recordingListener) ActiveSlideReceived(peer transport.Peer, state content.PresentationState) {
	l.add("active %s %d/%d", state.Name, state.CurrentSlide, state.SlidesAmount)
}

func (l *recordingListener) SlideUpdated(peer transport.Peer, name string, page uint) {
	l.add("slide %s %d", name, page)
}

func (l *recordingListener) SharingStopped(peer transport.Peer, showAgain bool) {
	l.add("stopped %t", showAgain)
}

func (l *recordingListener) DownloadStarted(peer transport.Peer, name string) {
	l.add("download %s", name)
}

func (l *recordingListener) DownloadFailed(err *session.ResourceTransferError) {
	l.add("download-failed %s", err.Name)
}

func (l *recordingListener) Disconnected(peer transport.Peer, err error) {
	l.add("disconnected %s %v", peer.DisplayName, err)
}

func (l *recordingListener) AdvertisersChanged() {
	l.changes.Add(1)
}

func newNetwork(t *testing.T) *transport.MemoryNetwork {
	t.Helper()
	net := transport.NewMemoryNetwork()
	t.Cleanup(func() { net.Close() })
	return net
}

func writePresentation(t *testing.T, lib *content.Library, name, data string) {
	t.Helper()
	require.NoError(t, lib.EnsureDirs())
	require.NoError(t, os.WriteFile(filepath.Join(lib.SharedDir(), name), []byte(data), 0644))
}

func testConfig(deviceID, displayName string) Config {
	cfg := DefaultConfig()
	cfg.DeviceID = deviceID
	cfg.DisplayName = displayName
	cfg.DeviceModel = "test"
	return cfg
}

func waitAdvertisers(t *testing.T, m *BrowsingManager, n int) []session.PresentationSession {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.ActualAdvertisers()) == n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d advertisers, got %v", n, m.ActualAdvertisers())
	return m.ActualAdvertisers()
}
