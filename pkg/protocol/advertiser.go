package protocol

import (
	"github.com/tomaslejdung/slidepeep/pkg/content"
)

// AdvertiserHandler is what advertiser commands run against. Reply sends
// to the peer the command came from.
type AdvertiserHandler interface {
	SharedMaterials() []string
	ActiveState() (content.PresentationState, bool)
	Reply(msg Message) error
	SendPresentation(name string) error
}

// AdvertiserCommand is a command received by a presenting device.
type AdvertiserCommand = Command[AdvertiserHandler]

// ServeSharedMaterials answers with the list of shared materials.
type ServeSharedMaterials struct{}

func (ServeSharedMaterials) Tag() Tag { return TagGetSharedMaterials }

func (ServeSharedMaterials) Execute(h AdvertiserHandler) error {
	return h.Reply(SharedMaterials(h.SharedMaterials()))
}

// SendPresentation transfers a presentation file to the requester.
type SendPresentation struct {
	Name string
}

func (SendPresentation) Tag() Tag { return TagGetPresentation }

func (c SendPresentation) Execute(h AdvertiserHandler) error {
	return h.SendPresentation(c.Name)
}

// ReportActiveSlide answers with the current presentation state.
type ReportActiveSlide struct{}

func (ReportActiveSlide) Tag() Tag { return TagGetActiveSlide }

func (ReportActiveSlide) Execute(h AdvertiserHandler) error {
	state, ok := h.ActiveState()
	if !ok {
		return h.Reply(NoActiveSlide())
	}
	return h.Reply(ActiveSlide(state))
}

// AnswerPing echoes a liveness ping.
type AnswerPing struct{}

func (AnswerPing) Tag() Tag { return TagPing }

func (AnswerPing) Execute(h AdvertiserHandler) error {
	return h.Reply(Ping())
}

var advertiserCommands = registry[AdvertiserHandler]{
	TagGetSharedMaterials: func(Message) (AdvertiserCommand, error) {
		return ServeSharedMaterials{}, nil
	},
	TagGetPresentation: func(m Message) (AdvertiserCommand, error) {
		name := presentationName(m[KeyName])
		if name == "" {
			return nil, malformed(TagGetPresentation, KeyName, "missing")
		}
		return SendPresentation{Name: name}, nil
	},
	TagGetActiveSlide: func(Message) (AdvertiserCommand, error) {
		return ReportActiveSlide{}, nil
	},
	TagPing: func(Message) (AdvertiserCommand, error) {
		return AnswerPing{}, nil
	},
}

// ParseAdvertiserCommand turns a message into an advertiser command. When
// the message is not understood it returns an Unknown command together
// with a *ProtocolError.
func ParseAdvertiserCommand(m Message) (AdvertiserCommand, error) {
	return advertiserCommands.parse(m)
}

// DecodeAdvertiserCommand decodes and parses transport data.
func DecodeAdvertiserCommand(data []byte) (AdvertiserCommand, error) {
	m, err := Decode(data)
	if err != nil {
		return decodeFailure[AdvertiserHandler](err)
	}
	return ParseAdvertiserCommand(m)
}
