package protocol

import (
	"errors"

	"github.com/tomaslejdung/slidepeep/pkg/content"
)

// BrowserHandler is what listener commands run against. Reply sends to the
// advertiser the command came from.
type BrowserHandler interface {
	MaterialAvailable(m content.Material) bool
	Reply(msg Message) error

	StopHeartbeat()
	StartHeartbeat()
	StopPinging()
	PongReceived()

	ActiveSlideReceived(state content.PresentationState)
	SlideUpdated(name string, page uint)
	SharingStopped(showAgain bool)
}

// BrowserCommand is a command received by a listening device.
type BrowserCommand = Command[BrowserHandler]

// ReceiveSharedMaterials requests every listed material that is missing
// locally and the active slide for the ones already present.
type ReceiveSharedMaterials struct {
	Items        []content.Material
	SlidesAmount int
	Update       bool // sent as update_presentation
}

func (c ReceiveSharedMaterials) Tag() Tag {
	if c.Update {
		return TagUpdatePresentation
	}
	return TagGetSharedMaterials
}

func (c ReceiveSharedMaterials) Execute(h BrowserHandler) error {
	var errs []error
	for _, item := range c.Items {
		var msg Message
		if h.MaterialAvailable(item) {
			msg = GetActiveSlide()
		} else {
			msg = GetPresentation(item.Name)
		}
		if err := h.Reply(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReceiveActiveSlide carries the advertiser's current state. An empty name
// means nothing is being shared.
type ReceiveActiveSlide struct {
	State content.PresentationState
}

func (ReceiveActiveSlide) Tag() Tag { return TagGetActiveSlide }

func (c ReceiveActiveSlide) Execute(h BrowserHandler) error {
	if c.State.Name == "" {
		return nil
	}
	h.StopHeartbeat()
	h.ActiveSlideReceived(c.State)
	h.StartHeartbeat()
	return nil
}

// ReceiveSlideUpdate carries a slide change.
type ReceiveSlideUpdate struct {
	Name string
	Page uint
}

func (ReceiveSlideUpdate) Tag() Tag { return TagUpdateActiveSlide }

func (c ReceiveSlideUpdate) Execute(h BrowserHandler) error {
	h.StopHeartbeat()
	h.SlideUpdated(c.Name, c.Page)
	h.StartHeartbeat()
	return nil
}

// ReceiveStopSharing ends the followed presentation.
type ReceiveStopSharing struct {
	ShowAgain bool
}

func (ReceiveStopSharing) Tag() Tag { return TagStopSharing }

func (c ReceiveStopSharing) Execute(h BrowserHandler) error {
	h.SharingStopped(c.ShowAgain)
	h.StopPinging()
	return nil
}

// ReceivePing is the advertiser's answer to a liveness ping.
type ReceivePing struct{}

func (ReceivePing) Tag() Tag { return TagPing }

func (ReceivePing) Execute(h BrowserHandler) error {
	h.PongReceived()
	return nil
}

func parseSharedMaterials(update bool) parser[BrowserHandler] {
	return func(m Message) (BrowserCommand, error) {
		slides, err := parseInt(m, KeySlidesAmount)
		if err != nil {
			return nil, err
		}
		return ReceiveSharedMaterials{
			Items:        parseItems(m[KeyItems]),
			SlidesAmount: slides,
			Update:       update,
		}, nil
	}
}

var browserCommands = registry[BrowserHandler]{
	TagGetSharedMaterials: parseSharedMaterials(false),
	TagUpdatePresentation: parseSharedMaterials(true),
	TagGetActiveSlide: func(m Message) (BrowserCommand, error) {
		name := presentationName(m[KeyName])
		if name == "" {
			return ReceiveActiveSlide{}, nil
		}
		page, err := parseUint(m, KeyPage, false)
		if err != nil {
			return nil, err
		}
		slides, err := parseInt(m, KeySlidesAmount)
		if err != nil {
			return nil, err
		}
		return ReceiveActiveSlide{State: content.PresentationState{
			Name:         name,
			CurrentSlide: page,
			SlidesAmount: slides,
		}}, nil
	},
	TagUpdateActiveSlide: func(m Message) (BrowserCommand, error) {
		page, err := parseUint(m, KeyPage, true)
		if err != nil {
			return nil, err
		}
		return ReceiveSlideUpdate{Name: presentationName(m[KeyName]), Page: page}, nil
	},
	TagStopSharing: func(m Message) (BrowserCommand, error) {
		return ReceiveStopSharing{ShowAgain: m[KeyWait] == WaitShowAgain}, nil
	},
	TagPing: func(Message) (BrowserCommand, error) {
		return ReceivePing{}, nil
	},
}

// ParseBrowserCommand turns a message into a listener command. When the
// message is not understood it returns an Unknown command together with a
// *ProtocolError.
func ParseBrowserCommand(m Message) (BrowserCommand, error) {
	return browserCommands.parse(m)
}

// DecodeBrowserCommand decodes and parses transport data.
func DecodeBrowserCommand(data []byte) (BrowserCommand, error) {
	m, err := Decode(data)
	if err != nil {
		return decodeFailure[BrowserHandler](err)
	}
	return ParseBrowserCommand(m)
}
