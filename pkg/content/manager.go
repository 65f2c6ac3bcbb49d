package content

import (
	"sync"

	"github.com/phuslu/log"
)

// PresentationState is the presentation currently being shared.
type PresentationState struct {
	Name         string
	CurrentSlide uint
	SlidesAmount int
}

// EventKind identifies a presentation state change.
type EventKind int

const (
	EventStarted EventKind = iota
	EventPageChanged
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventPageChanged:
		return "page-changed"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers on every state change. State is the
// zero value for EventStopped.
type Event struct {
	Kind  EventKind
	State PresentationState
}

// backlogWarnSize is the number of undelivered events at which a slow
// subscriber is reported.
const backlogWarnSize = 256

// Manager tracks the shared presentation and notifies subscribers of
// changes. Notifications run on a dispatcher goroutine in the order the
// changes were made, so callers never wait on subscribers.
type Manager struct {
	library *Library

	mu     sync.Mutex
	active *PresentationState

	subsMu sync.RWMutex
	subs   map[uint64]func(Event)
	nextID uint64

	queueMu   sync.Mutex
	queue     []Event
	warned    bool
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a manager serving materials from library.
func NewManager(library *Library) *Manager {
	m := &Manager{
		library: library,
		subs:    make(map[uint64]func(Event)),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatch()
	return m
}

// Library returns the library materials are served from.
func (m *Manager) Library() *Library {
	return m.library
}

// StartShowing makes name the active presentation.
func (m *Manager) StartShowing(name string, page uint, slidesAmount int) {
	state := PresentationState{Name: cleanName(name), CurrentSlide: page, SlidesAmount: slidesAmount}

	m.mu.Lock()
	m.active = &state
	m.mu.Unlock()

	log.Info().Str("presentation", state.Name).Uint("page", state.CurrentSlide).Int("slides", slidesAmount).Msg("start showing")
	m.publish(Event{Kind: EventStarted, State: state})
}

// UpdatePage moves the active presentation to page. Subscribers are only
// notified when the page actually changes; the return value reports
// whether they were.
func (m *Manager) UpdatePage(page uint) bool {
	m.mu.Lock()
	if m.active == nil || m.active.CurrentSlide == page {
		m.mu.Unlock()
		return false
	}
	m.active.CurrentSlide = page
	state := *m.active
	m.mu.Unlock()

	m.publish(Event{Kind: EventPageChanged, State: state})
	return true
}

// Stop clears the active presentation.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()

	log.Info().Msg("stop showing")
	m.publish(Event{Kind: EventStopped})
}

// ActiveState returns the active presentation, if any.
func (m *Manager) ActiveState() (PresentationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return PresentationState{}, false
	}
	return *m.active, true
}

// SharedMaterials returns the shared-materials identifiers of the active
// presentation.
func (m *Manager) SharedMaterials() []string {
	state, ok := m.ActiveState()
	if !ok || state.Name == "" {
		return []string{}
	}
	return []string{m.library.Material(state.Name).String()}
}

// PresentationPath locates a presentation in the library.
func (m *Manager) PresentationPath(name string) (string, bool) {
	return m.library.Path(name)
}

// Subscribe registers fn for state change events. The returned function
// removes the subscription and is safe to call more than once.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Close stops the dispatcher. Events still queued are dropped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

// publish queues ev for the dispatcher. It never blocks.
func (m *Manager) publish(ev Event) {
	m.queueMu.Lock()
	m.queue = append(m.queue, ev)
	backlog := len(m.queue)
	warn := backlog >= backlogWarnSize && !m.warned
	if warn {
		m.warned = true
	}
	m.queueMu.Unlock()

	if warn {
		log.Warn().Int("backlog", backlog).Msg("presentation subscribers are falling behind")
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) takeQueued() []Event {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	events := m.queue
	m.queue = nil
	m.warned = false
	return events
}

func (m *Manager) dispatch() {
	defer m.wg.Done()

	for {
		select {
		case <-m.wake:
			for _, ev := range m.takeQueued() {
				select {
				case <-m.done:
					return
				default:
				}
				m.deliver(ev)
			}
		case <-m.done:
			return
		}
	}
}

func (m *Manager) deliver(ev Event) {
	m.subsMu.RLock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
