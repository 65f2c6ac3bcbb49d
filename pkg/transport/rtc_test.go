package transport

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/slidepeep/pkg/signal"
)

const rtcWait = 15 * time.Second

func startLobby(t *testing.T) *RTCNetwork {
	t.Helper()
	srv := httptest.NewServer(signal.NewServer().Handler())
	t.Cleanup(srv.Close)
	return NewRTCNetwork(RTCConfig{SignalURL: srv.URL})
}

// awaitEvent skips session events until one of type E arrives.
func awaitEvent[E Event](t *testing.T, s Session) E {
	t.Helper()
	deadline := time.After(rtcWait)
	for {
		select {
		case ev := <-s.Events():
			if e, ok := ev.(E); ok {
				return e
			}
		case <-deadline:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func awaitState(t *testing.T, s Session, peer Peer, state State) {
	t.Helper()
	deadline := time.After(rtcWait)
	for {
		select {
		case ev := <-s.Events():
			if sc, ok := ev.(StateChanged); ok && sc.Peer.ID == peer.ID && sc.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to be %s", peer, state)
		}
	}
}

// rtcPair connects a viewer to an advertised session over real peer
// connections on the loopback interface.
func rtcPair(t *testing.T) (adv, viewer Session) {
	t.Helper()
	net := startLobby(t)
	adv = net.NewSession(Peer{ID: "adv", DisplayName: "Deck.pptx", DeviceModel: "laptop"})
	viewer = net.NewSession(Peer{ID: "viewer", DisplayName: "Viewer"})
	t.Cleanup(adv.Disconnect)
	t.Cleanup(viewer.Disconnect)

	ad := net.NewAdvertiser(adv, "slidepeep", map[string]string{"index": "0"})
	require.NoError(t, ad.Start())
	t.Cleanup(ad.Stop)

	b := net.NewBrowser(viewer.LocalPeer(), "slidepeep")
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)

	found := nextDiscovery(t, b)
	require.Equal(t, PeerFound, found.Kind)
	require.Equal(t, adv.LocalPeer(), found.Peer)

	require.NoError(t, b.Invite(context.Background(), found.Peer, viewer, rtcWait))
	awaitState(t, viewer, adv.LocalPeer(), StateConnected)
	awaitState(t, adv, viewer.LocalPeer(), StateConnected)
	return adv, viewer
}

func TestRTCDiscovery(t *testing.T) {
	net := startLobby(t)
	adv := net.NewSession(Peer{ID: "adv", DisplayName: "Deck.pptx", DeviceModel: "laptop"})
	defer adv.Disconnect()

	ad := net.NewAdvertiser(adv, "slidepeep", map[string]string{"index": "1", "device": "laptop"})
	require.NoError(t, ad.Start())
	require.NoError(t, ad.Start())

	b := net.NewBrowser(Peer{ID: "viewer"}, "slidepeep")
	require.NoError(t, b.Start())
	defer b.Stop()

	found := nextDiscovery(t, b)
	assert.Equal(t, PeerFound, found.Kind)
	assert.Equal(t, "Deck.pptx", found.Peer.DisplayName)
	assert.Equal(t, "laptop", found.Peer.DeviceModel)
	assert.Equal(t, "1", found.Info["index"])

	ad.Stop()
	ad.Stop()
	lost := nextDiscovery(t, b)
	assert.Equal(t, PeerLost, lost.Kind)
	assert.Equal(t, "adv", lost.Peer.ID)

	// restartable
	require.NoError(t, ad.Start())
	defer ad.Stop()
	assert.Equal(t, PeerFound, nextDiscovery(t, b).Kind)
}

func TestRTCInviteUnknownPeerIsRejected(t *testing.T) {
	net := startLobby(t)
	viewer := net.NewSession(Peer{ID: "viewer", DisplayName: "Viewer"})
	defer viewer.Disconnect()

	b := net.NewBrowser(viewer.LocalPeer(), "slidepeep")
	require.NoError(t, b.Start())
	defer b.Stop()

	err := b.Invite(context.Background(), Peer{ID: "ghost", DisplayName: "Ghost.pptx"}, viewer, rtcWait)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, viewer.ConnectedPeers())
}

func TestRTCSendKeepsOrder(t *testing.T) {
	adv, viewer := rtcPair(t)

	assert.NoError(t, viewer.Send([]byte("x"), nil, Reliable))
	assert.Equal(t, []Peer{adv.LocalPeer()}, viewer.ConnectedPeers())
	assert.Equal(t, []Peer{viewer.LocalPeer()}, adv.ConnectedPeers())

	msgs := []string{"one", "two", "three", "four", "five"}
	for _, msg := range msgs {
		require.NoError(t, viewer.Send([]byte(msg), viewer.ConnectedPeers(), Reliable))
	}
	for _, msg := range msgs {
		ev := awaitEvent[DataReceived](t, adv)
		assert.Equal(t, DataReceived{Peer: viewer.LocalPeer(), Data: []byte(msg)}, ev)
	}

	require.ErrorIs(t, adv.Send([]byte("x"), []Peer{{ID: "ghost"}}, Reliable), ErrNotConnected)
}

func TestRTCSendResourceInChunks(t *testing.T) {
	adv, viewer := rtcPair(t)

	// several chunks and a partial last one
	want := bytes.Repeat([]byte("0123456789abcdef"), (3<<20)/16)
	want = append(want, []byte("and seventeen....")...)
	src := filepath.Join(t.TempDir(), "Deck.pptx")
	require.NoError(t, os.WriteFile(src, want, 0644))

	select {
	case err := <-adv.SendResource(src, "Deck.pptx", viewer.LocalPeer()):
		require.NoError(t, err)
	case <-time.After(rtcWait):
		t.Fatal("timed out sending resource")
	}

	started := awaitEvent[ResourceStarted](t, viewer)
	assert.Equal(t, ResourceStarted{Peer: adv.LocalPeer(), Name: "Deck.pptx"}, started)
	received := awaitEvent[ResourceReceived](t, viewer)
	require.NoError(t, received.Err)
	assert.Equal(t, "Deck.pptx", received.Name)
	got, err := os.ReadFile(received.Path)
	require.NoError(t, err)
	assert.Equal(t, len(want), len(got))
	assert.True(t, bytes.Equal(want, got))

	err = <-adv.SendResource(filepath.Join(t.TempDir(), "missing"), "missing", viewer.LocalPeer())
	assert.Error(t, err)
}

// beginTransfer starts a transfer from adv that never finishes.
func beginTransfer(t *testing.T, adv Session, viewer Peer, id string) *rtcLink {
	t.Helper()
	l := adv.(*rtcSession).link(viewer.ID)
	require.NotNil(t, l)
	dc := l.channel(Reliable)
	require.NoError(t, l.sendFrame(dc, frame{Kind: frameResourceBegin, Transfer: id, Name: "Deck.pptx", Size: 1 << 20}))
	require.NoError(t, l.sendFrame(dc, frame{Kind: frameResourceChunk, Transfer: id, Payload: []byte("partial")}))
	return l
}

func receivedFiles(t *testing.T, s Session) []os.DirEntry {
	t.Helper()
	dir, err := s.(*rtcSession).resourceDir()
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return entries
}

func TestRTCAbortedTransfer(t *testing.T) {
	adv, viewer := rtcPair(t)

	l := beginTransfer(t, adv, viewer.LocalPeer(), "t1")
	awaitEvent[ResourceStarted](t, viewer)
	require.NoError(t, l.sendFrame(l.channel(Reliable), frame{Kind: frameResourceAbort, Transfer: "t1", Error: "disk gone"}))

	received := awaitEvent[ResourceReceived](t, viewer)
	require.Error(t, received.Err)
	assert.Contains(t, received.Err.Error(), "disk gone")
	assert.Equal(t, "Deck.pptx", received.Name)
	assert.Empty(t, received.Path)
	assert.Empty(t, receivedFiles(t, viewer))

	// the link survives an aborted transfer
	require.NoError(t, adv.Send([]byte("still here"), adv.ConnectedPeers(), Reliable))
	assert.Equal(t, []byte("still here"), awaitEvent[DataReceived](t, viewer).Data)
}

func TestRTCDisconnectDuringTransfer(t *testing.T) {
	adv, viewer := rtcPair(t)

	beginTransfer(t, adv, viewer.LocalPeer(), "t2")
	awaitEvent[ResourceStarted](t, viewer)

	adv.Disconnect()
	adv.Disconnect()

	received := awaitEvent[ResourceReceived](t, viewer)
	assert.ErrorIs(t, received.Err, ErrNotConnected)
	assert.Empty(t, receivedFiles(t, viewer))
	awaitState(t, viewer, adv.LocalPeer(), StateNotConnected)

	assert.Empty(t, viewer.ConnectedPeers())
	assert.ErrorIs(t, viewer.Send([]byte("x"), []Peer{adv.LocalPeer()}, Reliable), ErrNotConnected)
	assert.ErrorIs(t, adv.Send([]byte("x"), []Peer{viewer.LocalPeer()}, Reliable), ErrClosed)
}
