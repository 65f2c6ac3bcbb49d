package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLobby(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func dial(t *testing.T, base, service string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, base, service)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, c *Client) SignalMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal message")
	}
	return SignalMessage{}
}

func TestServiceTypeValidation(t *testing.T) {
	assert.True(t, ValidateServiceType("slidepeep"))
	assert.True(t, ValidateServiceType("a-b-1"))
	assert.False(t, ValidateServiceType(""))
	assert.False(t, ValidateServiceType("-slides"))
	assert.False(t, ValidateServiceType("slides-"))
	assert.False(t, ValidateServiceType("Slides"))
	assert.False(t, ValidateServiceType("way-too-long-service"))
	assert.Equal(t, "slidepeep", NormalizeServiceType("  SlidePeep "))
}

func TestGenerateDeviceName(t *testing.T) {
	name := GenerateDeviceName()
	parts := strings.Split(name, "-")
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 2)
}

func TestLobbyURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws/slidepeep", LobbyURL("http://localhost:8080/", "slidepeep"))
	assert.Equal(t, "wss://example.org/ws/slidepeep", LobbyURL("https://example.org", "SlidePeep"))
	assert.Equal(t, "ws://10.0.0.2:9000/ws/x", LobbyURL("10.0.0.2:9000", "x"))
}

func TestRejectsInvalidService(t *testing.T) {
	_, base := startLobby(t)
	_, resp, err := websocket.DefaultDialer.Dial(LobbyURL(base, "")+"-bad-", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnnounceBrowseAndLost(t *testing.T) {
	srv, base := startLobby(t)

	adv := dial(t, base, "slidepeep")
	require.NoError(t, adv.Send(SignalMessage{
		Type:        TypeAnnounce,
		PeerID:      "adv-1",
		DisplayName: "Deck.pptx",
		Device:      "laptop",
		Info:        map[string]string{"index": "0"},
	}))
	require.Eventually(t, func() bool { return srv.AdvertisementCount("slidepeep") == 1 }, 2*time.Second, 10*time.Millisecond)

	browser := dial(t, base, "slidepeep")
	require.NoError(t, browser.Send(SignalMessage{Type: TypeBrowse, PeerID: "viewer-1"}))

	found := next(t, browser)
	assert.Equal(t, TypeFound, found.Type)
	assert.Equal(t, "adv-1", found.PeerID)
	assert.Equal(t, "Deck.pptx", found.DisplayName)
	assert.Equal(t, "0", found.Info["index"])

	// a second advertisement arrives live
	require.NoError(t, adv.Send(SignalMessage{Type: TypeAnnounce, PeerID: "adv-2", DisplayName: "Deck.pptx"}))
	found = next(t, browser)
	assert.Equal(t, "adv-2", found.PeerID)

	require.NoError(t, adv.Send(SignalMessage{Type: TypeWithdraw, PeerID: "adv-2"}))
	lost := next(t, browser)
	assert.Equal(t, TypeLost, lost.Type)
	assert.Equal(t, "adv-2", lost.PeerID)

	adv.Close()
	lost = next(t, browser)
	assert.Equal(t, TypeLost, lost.Type)
	assert.Equal(t, "adv-1", lost.PeerID)
}

func TestLobbiesAreSeparate(t *testing.T) {
	_, base := startLobby(t)

	adv := dial(t, base, "other")
	require.NoError(t, adv.Send(SignalMessage{Type: TypeAnnounce, PeerID: "adv-1"}))

	browser := dial(t, base, "slidepeep")
	require.NoError(t, browser.Send(SignalMessage{Type: TypeBrowse, PeerID: "viewer-1"}))

	select {
	case msg := <-browser.Messages():
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestOfferAnswerRelay(t *testing.T) {
	_, base := startLobby(t)

	adv := dial(t, base, "slidepeep")
	require.NoError(t, adv.Send(SignalMessage{Type: TypeAnnounce, PeerID: "adv-1"}))

	browser := dial(t, base, "slidepeep")
	require.NoError(t, browser.Send(SignalMessage{Type: TypeBrowse, PeerID: "viewer-1"}))
	next(t, browser) // found

	require.NoError(t, browser.Send(SignalMessage{Type: TypeOffer, PeerID: "viewer-1", To: "adv-1", SDP: "offer-sdp"}))
	offer := next(t, adv)
	assert.Equal(t, TypeOffer, offer.Type)
	assert.Equal(t, "viewer-1", offer.PeerID)
	assert.Equal(t, "offer-sdp", offer.SDP)

	require.NoError(t, adv.Send(SignalMessage{Type: TypeAnswer, PeerID: "adv-1", To: "viewer-1", SDP: "answer-sdp"}))
	answer := next(t, browser)
	assert.Equal(t, TypeAnswer, answer.Type)
	assert.Equal(t, "answer-sdp", answer.SDP)
}

func TestOfferToUnknownPeerIsRejected(t *testing.T) {
	_, base := startLobby(t)

	browser := dial(t, base, "slidepeep")
	require.NoError(t, browser.Send(SignalMessage{Type: TypeOffer, PeerID: "viewer-1", To: "nobody", SDP: "x"}))

	reject := next(t, browser)
	assert.Equal(t, TypeReject, reject.Type)
	assert.Equal(t, "nobody", reject.PeerID)
	assert.Equal(t, "viewer-1", reject.To)
}

func TestCloseSkipsDisconnectHandler(t *testing.T) {
	_, base := startLobby(t)

	c, err := Dial(context.Background(), base, "slidepeep")
	require.NoError(t, err)

	called := make(chan struct{}, 1)
	c.SetDisconnectHandler(func() { called <- struct{}{} })
	c.Close()
	c.Close()

	select {
	case _, ok := <-c.Messages():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel not closed")
	}
	assert.Empty(t, called)
	assert.Error(t, c.Send(SignalMessage{Type: TypeBrowse}))
}
