package protocol

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tomaslejdung/slidepeep/pkg/content"
)

// Command is a parsed message ready to run against a role handler H.
type Command[H any] interface {
	Tag() Tag
	Execute(h H) error
}

// Unknown stands in for a message that could not be parsed. Executing it
// always returns the parse error.
type Unknown[H any] struct {
	Message Message
	Err     *ProtocolError
}

func (u Unknown[H]) Tag() Tag {
	if t := u.Message.Tag(); t != "" {
		return t
	}
	return TagUnknown
}

func (u Unknown[H]) Execute(H) error {
	if u.Err == nil {
		return &ProtocolError{Tag: u.Tag(), Err: ErrUnknownCommand}
	}
	return u.Err
}

type parser[H any] func(Message) (Command[H], error)

// registry maps wire tags to the parsers of one role.
type registry[H any] map[Tag]parser[H]

func (r registry[H]) parse(m Message) (Command[H], error) {
	tag := m.Tag()

	var perr *ProtocolError
	switch {
	case tag == "":
		perr = &ProtocolError{Err: ErrMissingType}
	case tag == TagSetControllerDevice:
		perr = &ProtocolError{Tag: tag, Err: ErrReservedCommand}
	default:
		p, ok := r[tag]
		if !ok {
			perr = &ProtocolError{Tag: tag, Err: ErrUnknownCommand}
			break
		}
		cmd, err := p(m)
		if err == nil {
			return cmd, nil
		}
		if !errors.As(err, &perr) {
			perr = &ProtocolError{Tag: tag, Reason: err.Error(), Err: ErrMalformed}
		}
	}
	return Unknown[H]{Message: m, Err: perr}, perr
}

func decodeFailure[H any](err error) (Command[H], error) {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		perr = &ProtocolError{Reason: err.Error(), Err: ErrMalformed}
	}
	return Unknown[H]{Err: perr}, perr
}

func parseUint(m Message, key string, required bool) (uint, error) {
	raw, ok := m[key]
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		if required {
			return 0, malformed(m.Tag(), key, "missing")
		}
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 0)
	if err != nil {
		return 0, malformed(m.Tag(), key, "not a number")
	}
	return uint(v), nil
}

func parseInt(m Message, key string) (int, error) {
	raw := strings.TrimSpace(m[key])
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, malformed(m.Tag(), key, "not a count")
	}
	return v, nil
}

// presentationName reduces a peer supplied name to a base file name.
func presentationName(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	name := filepath.Base(filepath.Clean("/" + raw))
	if name == "/" || name == "." {
		return ""
	}
	return name
}

func parseItems(raw string) []content.Material {
	var items []content.Material
	for _, item := range strings.Split(raw, itemSeparator) {
		if strings.TrimSpace(item) == "" {
			continue
		}
		m := content.ParseMaterial(item)
		m.Name = presentationName(m.Name)
		if m.Name == "" {
			continue
		}
		items = append(items, m)
	}
	return items
}
