package session

import (
	"sync"

	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// loop runs one goroutine draining a transport session's events.
type loop struct {
	transport transport.Session
	done      chan struct{}
	closeOnce sync.Once
}

func newLoop(ts transport.Session) *loop {
	return &loop{transport: ts, done: make(chan struct{})}
}

func (l *loop) run(handle func(transport.Event)) {
	go func() {
		for {
			select {
			case ev := <-l.transport.Events():
				handle(ev)
			case <-l.done:
				return
			}
		}
	}()
}

// close stops the loop without waiting for a handler in progress.
func (l *loop) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *loop) send(msg protocol.Message, peers ...transport.Peer) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return l.transport.Send(data, peers, transport.Reliable)
}
