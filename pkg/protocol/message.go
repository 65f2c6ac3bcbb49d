// Package protocol implements the slide sharing command protocol: flat
// string maps tagged with a "type" key, parsed into role specific commands.
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tomaslejdung/slidepeep/pkg/content"
)

// Tag is the wire value of the "type" key.
type Tag string

const (
	TagUnknown             Tag = "unknown"
	TagGetSharedMaterials  Tag = "get_shared_materials"
	TagGetPresentation     Tag = "get_presentation"
	TagGetActiveSlide      Tag = "get_active_slide"
	TagUpdateActiveSlide   Tag = "update_active_slide"
	TagUpdatePresentation  Tag = "update_presentation"
	TagStopSharing         Tag = "stop_sharing"
	TagPing                Tag = "ping"
	TagSetControllerDevice Tag = "set_controller_device" // reserved
)

// Message field keys.
const (
	KeyType         = "type"
	KeyName         = "name"
	KeyPage         = "page"
	KeySlidesAmount = "slides_amount"
	KeyItems        = "items"
	KeyWait         = "wait"
)

// WaitShowAgain tells a listener to forget its reconnect block.
const WaitShowAgain = "show_again"

const itemSeparator = ","

// Message is a decoded command map.
type Message map[string]string

// NewMessage builds a message of the given type. Fields named "type" are
// ignored.
func NewMessage(tag Tag, fields map[string]string) Message {
	m := make(Message, len(fields)+1)
	for k, v := range fields {
		if k == KeyType {
			continue
		}
		m[k] = v
	}
	m[KeyType] = string(tag)
	return m
}

// Tag returns the message type, or "" when missing.
func (m Message) Tag() Tag {
	return Tag(m[KeyType])
}

// Encode serializes a message for the transport.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(map[string]string(m))
}

// Decode parses transport data into a message.
func Decode(data []byte) (Message, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolError{Err: ErrMalformed, Reason: err.Error()}
	}
	if m == nil {
		return nil, &ProtocolError{Err: ErrMalformed, Reason: "null message"}
	}
	return Message(m), nil
}

// GetSharedMaterials asks an advertiser for its shared materials.
func GetSharedMaterials() Message {
	return NewMessage(TagGetSharedMaterials, nil)
}

// SharedMaterials answers GetSharedMaterials.
func SharedMaterials(items []string) Message {
	return NewMessage(TagGetSharedMaterials, map[string]string{
		KeyItems: strings.Join(items, itemSeparator),
	})
}

// GetPresentation asks an advertiser to transfer the named file.
func GetPresentation(name string) Message {
	return NewMessage(TagGetPresentation, map[string]string{KeyName: name})
}

// GetActiveSlide asks an advertiser for its current presentation state.
func GetActiveSlide() Message {
	return NewMessage(TagGetActiveSlide, nil)
}

// ActiveSlide reports the current presentation state.
func ActiveSlide(state content.PresentationState) Message {
	return NewMessage(TagGetActiveSlide, map[string]string{
		KeyName:         state.Name,
		KeyPage:         strconv.FormatUint(uint64(state.CurrentSlide), 10),
		KeySlidesAmount: strconv.Itoa(state.SlidesAmount),
	})
}

// NoActiveSlide reports that nothing is being shared.
func NoActiveSlide() Message {
	return NewMessage(TagGetActiveSlide, map[string]string{KeyName: ""})
}

// UpdateActiveSlide notifies listeners of a slide change.
func UpdateActiveSlide(name string, page uint) Message {
	return NewMessage(TagUpdateActiveSlide, map[string]string{
		KeyName: name,
		KeyPage: strconv.FormatUint(uint64(page), 10),
	})
}

// UpdatePresentation notifies listeners that a new presentation started.
func UpdatePresentation(items []string, slidesAmount int) Message {
	return NewMessage(TagUpdatePresentation, map[string]string{
		KeyItems:        strings.Join(items, itemSeparator),
		KeySlidesAmount: strconv.Itoa(slidesAmount),
	})
}

// StopSharing notifies listeners that the presentation ended.
func StopSharing(showAgain bool) Message {
	wait := ""
	if showAgain {
		wait = WaitShowAgain
	}
	return NewMessage(TagStopSharing, map[string]string{KeyWait: wait})
}

// Ping is both the liveness request and its reply.
func Ping() Message {
	return NewMessage(TagPing, nil)
}
