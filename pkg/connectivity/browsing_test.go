package connectivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

type fakeAdvertisement struct {
	session transport.Session
	ad      transport.Advertiser
}

func advertise(t *testing.T, net *transport.MemoryNetwork, id, name string, index int, created int64, deviceID string) fakeAdvertisement {
	t.Helper()
	ts := net.NewSession(transport.Peer{ID: id, DisplayName: name})
	info := session.DiscoveryInfo{Index: index, CreationDate: time.Unix(created, 0), Device: "laptop", ID: deviceID}
	ad := net.NewAdvertiser(ts, DefaultServiceType, info.Map())
	require.NoError(t, ad.Start())
	t.Cleanup(ad.Stop)
	return fakeAdvertisement{session: ts, ad: ad}
}

func newBrowsing(t *testing.T, net *transport.MemoryNetwork) (*BrowsingManager, *recordingListener) {
	t.Helper()
	cfg := testConfig("viewer-device", "Viewer")
	cfg.SettleDelay = 100 * time.Millisecond
	m := NewBrowsingManager(net, content.NewLibrary(t.TempDir()), cfg)
	t.Cleanup(m.InvalidateSessions)

	l := &recordingListener{}
	require.NoError(t, m.InstantiateSession("Viewer", l))
	return m, l
}

func TestActualAdvertisersPicksLatestPerName(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "old", "Deck.pptx", 0, 100, "presenter")
	advertise(t, net, "new", "Deck.pptx", 0, 200, "presenter")
	advertise(t, net, "sibling", "Deck.pptx", 1, 200, "presenter")
	advertise(t, net, "talk", "Talk.key", 0, 50, "other")
	advertise(t, net, "self", "Mine.pptx", 0, 300, "viewer-device")
	advertise(t, net, "bogus", "Bogus.pptx", 0, 0, "x").ad.Stop()

	m, l := newBrowsing(t, net)

	actual := waitAdvertisers(t, m, 2)
	assert.Equal(t, "Deck.pptx", actual[0].DisplayName())
	assert.Equal(t, "sibling", actual[0].Peer.ID)
	assert.Equal(t, "Talk.key", actual[1].DisplayName())
	assert.Positive(t, l.changes.Load())
}

func TestIgnoresAdvertisementWithoutInfo(t *testing.T) {
	net := newNetwork(t)
	ts := net.NewSession(transport.Peer{ID: "plain", DisplayName: "Deck.pptx"})
	require.NoError(t, net.NewAdvertiser(ts, DefaultServiceType, map[string]string{"device": "x"}).Start())
	advertise(t, net, "ok", "Talk.key", 0, 1, "presenter")

	m, _ := newBrowsing(t, net)
	actual := waitAdvertisers(t, m, 1)
	assert.Equal(t, "Talk.key", actual[0].DisplayName())
}

func TestGhostFilter(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	m, _ := newBrowsing(t, net)

	ps := waitAdvertisers(t, m, 1)[0]
	assert.True(t, m.CheckIfAdvertiserSessionAvailable(ps))

	m.RegisterAdvertiserSession(ps)
	assert.False(t, m.CheckIfAdvertiserSessionAvailable(ps))
	assert.Empty(t, m.ActualAdvertisers())
	assert.Equal(t, []string{"Deck.pptx+0+100"}, m.PastAdvertisers())

	m.RemoveLastConnectedAdvertiserSessionHash()
	m.RemoveLastConnectedAdvertiserSessionHash()
	assert.Empty(t, m.PastAdvertisers())
	assert.Len(t, m.ActualAdvertisers(), 1)
}

func TestPeerLostRemovesSession(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "old", "Deck.pptx", 0, 100, "presenter")
	newer := advertise(t, net, "new", "Deck.pptx", 0, 200, "presenter")
	m, _ := newBrowsing(t, net)

	require.Eventually(t, func() bool {
		actual := m.ActualAdvertisers()
		return len(actual) == 1 && actual[0].Peer.ID == "new"
	}, 2*time.Second, 5*time.Millisecond)

	newer.ad.Stop()
	require.Eventually(t, func() bool {
		actual := m.ActualAdvertisers()
		return len(actual) == 1 && actual[0].Peer.ID == "old"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectRegistersAdvertiser(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	m, l := newBrowsing(t, net)

	ps := waitAdvertisers(t, m, 1)[0]
	require.NoError(t, m.Connect(context.Background(), ps))
	l.waitFor(t, "state Deck.pptx connected")

	peer, ok := m.AdvertiserPeer()
	require.True(t, ok)
	assert.Equal(t, "deck", peer.ID)
	assert.Equal(t, []string{ps.UniqueID()}, m.PastAdvertisers())
	assert.Empty(t, m.ActualAdvertisers())
}

func TestConnectUnknownAdvertiserFails(t *testing.T) {
	net := newNetwork(t)
	m, _ := newBrowsing(t, net)

	ps := session.PresentationSession{Peer: transport.Peer{ID: "ghost", DisplayName: "Ghost.pptx"}}
	assert.ErrorIs(t, m.Connect(context.Background(), ps), transport.ErrRejected)
}

func TestReconnect(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	m, l := newBrowsing(t, net)

	ps := waitAdvertisers(t, m, 1)[0]
	require.NoError(t, m.Connect(context.Background(), ps))
	l.waitFor(t, "state Deck.pptx connected")
	first, _ := m.LocalPeer()

	require.NoError(t, m.Reconnect(context.Background(), "Deck.pptx"))
	require.Eventually(t, func() bool { return l.count("state Deck.pptx connected") == 2 }, 2*time.Second, 5*time.Millisecond)

	second, _ := m.LocalPeer()
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{ps.UniqueID()}, m.PastAdvertisers())
}

// stopSharing sends stop_sharing from a fake advertiser to its listeners.
func (a fakeAdvertisement) stopSharing(t *testing.T, showAgain bool) {
	t.Helper()
	require.Eventually(t, func() bool { return len(a.session.ConnectedPeers()) == 1 }, time.Second, 5*time.Millisecond)
	data, err := protocol.Encode(protocol.StopSharing(showAgain))
	require.NoError(t, err)
	require.NoError(t, a.session.Send(data, a.session.ConnectedPeers(), transport.Reliable))
}

func TestStopSharingShowAgainListsAdvertiserOnce(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "talk", "Talk.key", 0, 50, "other")
	deck := advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	m, l := newBrowsing(t, net)

	found := waitAdvertisers(t, m, 2)
	talk, ps := found[1], found[0]
	m.RegisterAdvertiserSession(talk)
	require.NoError(t, m.Connect(context.Background(), ps))
	l.waitFor(t, "state Deck.pptx connected")
	require.Equal(t, []string{talk.UniqueID(), ps.UniqueID()}, m.PastAdvertisers())
	first, _ := m.LocalPeer()

	deck.stopSharing(t, true)
	l.waitFor(t, "stopped true")

	// the listener leaves and browses again with the advertiser listed
	require.Eventually(t, func() bool {
		next, ok := m.LocalPeer()
		return ok && next.ID != first.ID
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{talk.UniqueID()}, m.PastAdvertisers())
	again := waitAdvertisers(t, m, 1)
	assert.Equal(t, ps.UniqueID(), again[0].UniqueID())
	require.Eventually(t, func() bool { return len(deck.session.ConnectedPeers()) == 0 }, time.Second, 5*time.Millisecond)

	// reconnecting does not forget the older entry
	require.NoError(t, m.Reconnect(context.Background(), "Deck.pptx"))
	require.Eventually(t, func() bool { return l.count("state Deck.pptx connected") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{talk.UniqueID(), ps.UniqueID()}, m.PastAdvertisers())
}

func TestStopSharingLeavesSession(t *testing.T) {
	net := newNetwork(t)
	deck := advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	m, l := newBrowsing(t, net)

	ps := waitAdvertisers(t, m, 1)[0]
	require.NoError(t, m.Connect(context.Background(), ps))
	l.waitFor(t, "state Deck.pptx connected")
	first, _ := m.LocalPeer()

	deck.stopSharing(t, false)
	l.waitFor(t, "stopped false")

	require.Eventually(t, func() bool {
		next, ok := m.LocalPeer()
		return ok && next.ID != first.ID
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(deck.session.ConnectedPeers()) == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.IsActive())
	assert.Equal(t, []string{ps.UniqueID()}, m.PastAdvertisers())
	assert.Empty(t, m.ActualAdvertisers())
}

func TestReconnectUnknownAdvertiser(t *testing.T) {
	net := newNetwork(t)
	m, _ := newBrowsing(t, net)

	err := m.Reconnect(context.Background(), "Missing.pptx")
	assert.ErrorIs(t, err, ErrAdvertiserNotFound)
	assert.True(t, m.IsActive())
}

func TestReconnectWithoutSession(t *testing.T) {
	m := NewBrowsingManager(newNetwork(t), content.NewLibrary(t.TempDir()), DefaultConfig())
	assert.ErrorIs(t, m.Reconnect(context.Background(), "Deck.pptx"), ErrNotBrowsing)
	assert.ErrorIs(t, m.Refresh(), ErrNotBrowsing)
}

func TestRefreshRediscovers(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	advertise(t, net, "talk", "Talk.key", 0, 100, "other")
	m, _ := newBrowsing(t, net)
	waitAdvertisers(t, m, 2)

	require.NoError(t, m.Refresh())
	waitAdvertisers(t, m, 2)
}

func TestInvalidateSessionsIsIdempotent(t *testing.T) {
	net := newNetwork(t)
	advertise(t, net, "deck", "Deck.pptx", 0, 100, "presenter")
	m, _ := newBrowsing(t, net)
	ps := waitAdvertisers(t, m, 1)[0]
	m.RegisterAdvertiserSession(ps)
	m.RegisterAdvertiserPeer(ps.Peer)

	m.InvalidateSessions()
	m.InvalidateSessions()

	assert.False(t, m.IsActive())
	_, ok := m.AdvertiserPeer()
	assert.False(t, ok)
	assert.Empty(t, m.ActualAdvertisers())
	assert.Len(t, m.PastAdvertisers(), 1)
	assert.ErrorIs(t, m.Connect(context.Background(), ps), ErrNotBrowsing)

	// liveness calls without a session are no-ops
	m.StartHeartbeat()
	m.StopHeartbeat()
	m.PongReceived()
	m.StopPinging()
}
