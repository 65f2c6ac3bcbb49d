package session

import (
	"fmt"

	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// ResourceTransferError reports a presentation download that failed.
type ResourceTransferError struct {
	Peer transport.Peer
	Name string
	Err  error
}

func (e *ResourceTransferError) Error() string {
	return fmt.Sprintf("transfer of %q from %s failed: %v", e.Name, e.Peer, e.Err)
}

func (e *ResourceTransferError) Unwrap() error { return e.Err }
