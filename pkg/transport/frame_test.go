package transport

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []frame{
		{Kind: frameData, Payload: []byte(`{"type":"ping"}`)},
		{Kind: frameResourceBegin, Transfer: "t1", Name: "Deck.pptx", Size: 1 << 20},
		{Kind: frameResourceChunk, Transfer: "t1", Payload: make([]byte, chunkSize)},
		{Kind: frameResourceEnd, Transfer: "t1"},
		{Kind: frameResourceAbort, Transfer: "t1", Error: "disk full"},
	}
	for _, f := range frames {
		data, err := encodeFrame(f)
		require.NoError(t, err)
		got, err := decodeFrame(data)
		require.NoError(t, err)
		assert.Equal(t, f, got, f.Kind.String())
	}
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame([]byte{0xff, 0xfe})
	assert.Error(t, err)

	unknown, err := cbor.Marshal(frame{Kind: 42})
	require.NoError(t, err)
	_, err = decodeFrame(unknown)
	assert.Error(t, err)

	noTransfer, err := cbor.Marshal(frame{Kind: frameResourceChunk, Payload: []byte("x")})
	require.NoError(t, err)
	_, err = decodeFrame(noTransfer)
	assert.Error(t, err)
}
