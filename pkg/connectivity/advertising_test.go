package connectivity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

func newAdvertising(t *testing.T, net *transport.MemoryNetwork, capacity int) (*AdvertisingManager, *[]bool) {
	t.Helper()
	cm := content.NewManager(content.NewLibrary(t.TempDir()))
	t.Cleanup(cm.Close)

	cfg := testConfig("presenter", "")
	cfg.Capacity = capacity
	m := NewAdvertisingManager(net, cm, cfg)
	t.Cleanup(m.InvalidateAll)

	var (
		mu    sync.Mutex
		calls []bool
	)
	m.SetActiveCallback(func(active bool) {
		mu.Lock()
		calls = append(calls, active)
		mu.Unlock()
	})
	return m, &calls
}

func viewerPeer(i int) transport.Peer {
	return transport.Peer{ID: fmt.Sprintf("viewer-%d", i), DisplayName: fmt.Sprintf("Viewer %d", i)}
}

func TestCreateSession(t *testing.T) {
	m, calls := newAdvertising(t, newNetwork(t), DefaultCapacity)

	require.NoError(t, m.CreateSession("Deck.pptx"))
	assert.True(t, m.IsActive())

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Deck.pptx", sessions[0].DisplayName())
	assert.Equal(t, 0, sessions[0].Index)
	assert.Equal(t, "presenter", sessions[0].DeviceID)

	// a second call replaces the sessions without flapping to inactive
	require.NoError(t, m.CreateSession("Talk.key"))
	sessions = m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Talk.key", sessions[0].DisplayName())
	assert.Equal(t, []bool{true, true}, *calls)
}

func TestAddSupplementarySessionWithoutPrimary(t *testing.T) {
	m, _ := newAdvertising(t, newNetwork(t), DefaultCapacity)
	assert.ErrorIs(t, m.AddSupplementarySession(), ErrNoPrimarySession)
	assert.Empty(t, m.Sessions())
}

func TestCapacityAddsSessionAtMultiples(t *testing.T) {
	m, _ := newAdvertising(t, newNetwork(t), DefaultCapacity)
	require.NoError(t, m.CreateSession("Deck.pptx"))

	for i := 1; i < DefaultCapacity; i++ {
		m.PeerConnected(nil, viewerPeer(i))
		assert.False(t, m.SupplementarySessionNeeded())
	}
	assert.Len(t, m.Sessions(), 1)

	m.PeerConnected(nil, viewerPeer(DefaultCapacity))
	assert.True(t, m.SupplementarySessionNeeded())
	sessions := m.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[1].Index)
	assert.Equal(t, "Deck.pptx", sessions[1].DisplayName())

	m.PeerConnected(nil, viewerPeer(8))
	assert.Len(t, m.Sessions(), 2)

	// disconnects never add sessions
	m.PeerDisconnected(nil, viewerPeer(8))
	assert.Equal(t, DefaultCapacity, m.ConnectedPeerCount())
	assert.Len(t, m.Sessions(), 2)

	// dropping below and crossing again adds another one
	m.PeerDisconnected(nil, viewerPeer(7))
	m.PeerConnected(nil, viewerPeer(7))
	assert.Len(t, m.Sessions(), 3)
	assert.Equal(t, 2, m.Sessions()[2].Index)
}

func TestPeerDisconnectedNeverGoesNegative(t *testing.T) {
	m, _ := newAdvertising(t, newNetwork(t), DefaultCapacity)
	m.PeerDisconnected(nil, viewerPeer(1))
	assert.Equal(t, 0, m.ConnectedPeerCount())
	assert.False(t, m.SupplementarySessionNeeded())
}

func TestSupplementarySessionIsDiscoverable(t *testing.T) {
	net := newNetwork(t)
	m, _ := newAdvertising(t, net, DefaultCapacity)
	require.NoError(t, m.CreateSession("Deck.pptx"))
	require.NoError(t, m.AddSupplementarySession())

	b := net.NewBrowser(transport.Peer{ID: "viewer"}, DefaultServiceType)
	require.NoError(t, b.Start())
	defer b.Stop()

	indexes := map[int]bool{}
	for len(indexes) < 2 {
		select {
		case ev := <-b.Events():
			require.Equal(t, transport.PeerFound, ev.Kind)
			info, err := session.ParseDiscoveryInfo(ev.Info)
			require.NoError(t, err)
			assert.Equal(t, "Deck.pptx", ev.Peer.DisplayName)
			indexes[info.Index] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("discovered only %v", indexes)
		}
	}
}

func TestCapacityOverNetwork(t *testing.T) {
	net := newNetwork(t)
	m, _ := newAdvertising(t, net, 2)
	require.NoError(t, m.CreateSession("Deck.pptx"))
	primary := m.Sessions()[0].Peer

	for i := 1; i <= 2; i++ {
		viewer := net.NewSession(viewerPeer(i))
		b := net.NewBrowser(viewer.LocalPeer(), DefaultServiceType)
		require.NoError(t, b.Start())
		require.NoError(t, b.Invite(context.Background(), primary, viewer, time.Second))
		b.Stop()
	}

	require.Eventually(t, func() bool { return len(m.Sessions()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, m.ConnectedPeerCount())
}

func TestInvalidateAllIsIdempotent(t *testing.T) {
	net := newNetwork(t)
	m, calls := newAdvertising(t, net, DefaultCapacity)
	require.NoError(t, m.CreateSession("Deck.pptx"))

	viewer := net.NewSession(viewerPeer(1))
	b := net.NewBrowser(viewer.LocalPeer(), DefaultServiceType)
	require.NoError(t, b.Start())
	defer b.Stop()
	require.NoError(t, b.Invite(context.Background(), m.Sessions()[0].Peer, viewer, time.Second))
	require.Eventually(t, func() bool { return m.ConnectedPeerCount() == 1 }, time.Second, 5*time.Millisecond)

	m.InvalidateAll()
	m.InvalidateAll()

	assert.False(t, m.IsActive())
	assert.Empty(t, m.Sessions())
	assert.Equal(t, 0, m.ConnectedPeerCount())
	assert.Equal(t, []bool{true, false}, *calls)
	require.Eventually(t, func() bool { return len(viewer.ConnectedPeers()) == 0 }, time.Second, 5*time.Millisecond)
}
