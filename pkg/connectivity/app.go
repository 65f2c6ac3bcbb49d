package connectivity

import (
	"fmt"
	"sync"

	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/protocol"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// Mode is the role the device currently plays.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeAdvertiser
	ModeListener
)

func (m Mode) String() string {
	switch m {
	case ModeAdvertiser:
		return "advertiser"
	case ModeListener:
		return "listener"
	default:
		return "unknown"
	}
}

// App wires the presentation content to the advertising and browsing
// managers. Only one role is active at a time.
type App struct {
	cfg         Config
	library     *content.Library
	content     *content.Manager
	advertising *AdvertisingManager
	browsing    *BrowsingManager
	unsubscribe func()

	mu     sync.Mutex
	mode   Mode
	onMode func(Mode)
}

func NewApp(net transport.Network, library *content.Library, cfg Config) *App {
	cfg = cfg.withDefaults()
	cm := content.NewManager(library)
	a := &App{
		cfg:         cfg,
		library:     library,
		content:     cm,
		advertising: NewAdvertisingManager(net, cm, cfg),
		browsing:    NewBrowsingManager(net, library, cfg),
	}
	a.advertising.SetActiveCallback(a.advertisingChanged)
	a.unsubscribe = cm.Subscribe(a.contentChanged)
	return a
}

func (a *App) Content() *content.Manager { return a.content }
func (a *App) Library() *content.Library { return a.library }
func (a *App) Advertising() *AdvertisingManager { return a.advertising }
func (a *App) Browsing() *BrowsingManager { return a.browsing }
func (a *App) Config() Config { return a.cfg }

func (a *App) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SetModeCallback registers fn to be called on every mode change.
func (a *App) SetModeCallback(fn func(Mode)) {
	a.mu.Lock()
	a.onMode = fn
	a.mu.Unlock()
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	fn := a.onMode
	a.mu.Unlock()

	if !changed {
		return
	}
	log.Info().Str("mode", mode.String()).Msg("mode changed")
	if fn != nil {
		fn(mode)
	}
}

func (a *App) advertisingChanged(active bool) {
	if active {
		a.browsing.InvalidateSessions()
		a.setMode(ModeAdvertiser)
		return
	}
	a.setMode(ModeListener)
}

func (a *App) contentChanged(ev content.Event) {
	switch ev.Kind {
	case content.EventStarted:
		items := []string{a.library.Material(ev.State.Name).String()}
		a.advertising.Broadcast(protocol.UpdatePresentation(items, ev.State.SlidesAmount))
	case content.EventPageChanged:
		a.advertising.Broadcast(protocol.UpdateActiveSlide(ev.State.Name, ev.State.CurrentSlide))
	case content.EventStopped:
		a.advertising.Broadcast(protocol.StopSharing(false))
	}
}

// StartPresenting shares name from page. Advertising starts under the
// presentation's name unless it is already running under it.
func (a *App) StartPresenting(name string, page uint, slidesAmount int) error {
	if _, ok := a.library.Path(name); !ok {
		return fmt.Errorf("presentation %q not in library", name)
	}

	sessions := a.advertising.Sessions()
	if len(sessions) == 0 || sessions[0].DisplayName() != name {
		if err := a.advertising.CreateSession(name); err != nil {
			return err
		}
	}
	a.content.StartShowing(name, page, slidesAmount)
	return nil
}

// UpdatePage moves the presentation to page. Listeners are only notified
// when the page changes.
func (a *App) UpdatePage(page uint) bool {
	return a.content.UpdatePage(page)
}

// StopPresenting ends the presentation. Sessions stay advertised.
func (a *App) StopPresenting() {
	a.content.Stop()
}

// StartListening tears down advertising and starts browsing under the
// configured display name.
func (a *App) StartListening(delegate ListenerDelegate) error {
	a.advertising.InvalidateAll()
	if err := a.browsing.InstantiateSession(a.cfg.DisplayName, delegate); err != nil {
		return err
	}
	a.setMode(ModeListener)
	return nil
}

// InvalidateAllSessions drops every session of either role.
func (a *App) InvalidateAllSessions() {
	a.advertising.InvalidateAll()
	a.browsing.InvalidateSessions()
}

// EnterBackground tells listeners the presenter is going away for a while
// and they may reconnect later.
func (a *App) EnterBackground() {
	if a.Mode() != ModeAdvertiser {
		return
	}
	a.advertising.Broadcast(protocol.StopSharing(true))
}

// Close notifies listeners, drops all sessions and stops the content
// dispatcher.
func (a *App) Close() {
	a.unsubscribe()
	if a.advertising.IsActive() {
		a.advertising.Broadcast(protocol.StopSharing(false))
	}
	a.InvalidateAllSessions()
	a.content.Close()
}
