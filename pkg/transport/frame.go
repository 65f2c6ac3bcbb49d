package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// frameKind identifies what a data channel frame carries.
type frameKind uint8

const (
	frameData          frameKind = 1
	frameResourceBegin frameKind = 2
	frameResourceChunk frameKind = 3
	frameResourceEnd   frameKind = 4
	frameResourceAbort frameKind = 5
)

func (k frameKind) String() string {
	switch k {
	case frameData:
		return "data"
	case frameResourceBegin:
		return "resource-begin"
	case frameResourceChunk:
		return "resource-chunk"
	case frameResourceEnd:
		return "resource-end"
	case frameResourceAbort:
		return "resource-abort"
	}
	return fmt.Sprintf("frame(%d)", uint8(k))
}

// frame is the unit sent over a peer data channel.
type frame struct {
	Kind     frameKind `cbor:"1,keyasint"`
	Transfer string    `cbor:"2,keyasint,omitempty"` // resource transfer id
	Name     string    `cbor:"3,keyasint,omitempty"`
	Size     int64     `cbor:"4,keyasint,omitempty"`
	Payload  []byte    `cbor:"5,keyasint,omitempty"`
	Error    string    `cbor:"6,keyasint,omitempty"` // abort reason
}

func encodeFrame(f frame) ([]byte, error) {
	data, err := cbor.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := cbor.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case frameData, frameResourceBegin, frameResourceChunk, frameResourceEnd, frameResourceAbort:
	default:
		return frame{}, fmt.Errorf("decode frame: unknown kind %d", uint8(f.Kind))
	}
	if f.Kind != frameData && f.Transfer == "" {
		return frame{}, fmt.Errorf("decode %s frame: missing transfer id", f.Kind)
	}
	return f, nil
}
