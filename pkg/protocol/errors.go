package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMissingType     = errors.New("missing command type")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrReservedCommand = errors.New("reserved command")
	ErrMalformed       = errors.New("malformed command")
)

// ProtocolError reports a message that cannot be turned into a command.
type ProtocolError struct {
	Tag    Tag
	Field  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: " + e.Err.Error()
	if e.Tag != "" {
		msg += fmt.Sprintf(" %q", string(e.Tag))
	}
	if e.Field != "" {
		msg += " field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func malformed(tag Tag, field, reason string) *ProtocolError {
	return &ProtocolError{Tag: tag, Field: field, Reason: reason, Err: ErrMalformed}
}
