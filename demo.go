package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/connectivity"
	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

const (
	demoPresentation = "Demo.pptx"
	demoWait         = 10 * time.Second
)

var errDemoTimeout = errors.New("demo timed out")

// demoListener prints what a listener sees and signals the demo driver.
type demoListener struct {
	mu sync.Mutex
	w  io.Writer

	changed chan struct{}
	active  chan content.PresentationState
	slides  chan uint
	stopped chan bool
}

func newDemoListener(w io.Writer) *demoListener {
	return &demoListener{
		w:       w,
		changed: make(chan struct{}, 1),
		active:  make(chan content.PresentationState, 1),
		slides:  make(chan uint, 16),
		stopped: make(chan bool, 1),
	}
}

func (l *demoListener) printf(style func(...string) string, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, style(fmt.Sprintf(format, args...)))
}

func (l *demoListener) AdvertisersChanged() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *demoListener) AdvertiserStateChanged(peer transport.Peer, state transport.State) {
	l.printf(dimStyle.Render, "listener: %s is %s", peer.DisplayName, state)
}

func (l *demoListener) ActiveSlideReceived(peer transport.Peer, state content.PresentationState) {
	l.printf(selectedStyle.Render, "listener: following %s, slide %d / %d", state.Name, state.CurrentSlide+1, state.SlidesAmount)
	select {
	case l.active <- state:
	default:
	}
}

func (l *demoListener) SlideUpdated(peer transport.Peer, name string, page uint) {
	l.printf(normalStyle.Render, "listener: slide %d", page+1)
	select {
	case l.slides <- page:
	default:
	}
}

func (l *demoListener) SharingStopped(peer transport.Peer, showAgain bool) {
	l.printf(statusStyle.Render, "listener: presenter stopped sharing")
	select {
	case l.stopped <- showAgain:
	default:
	}
}

func (l *demoListener) DownloadStarted(peer transport.Peer, name string) {
	l.printf(dimStyle.Render, "listener: downloading %s", name)
}

func (l *demoListener) DownloadFailed(err *session.ResourceTransferError) {
	l.printf(errorStyle.Render, "listener: %v", err)
}

func (l *demoListener) Disconnected(peer transport.Peer, err error) {
	if err != nil {
		l.printf(errorStyle.Render, "listener: lost %s: %v", peer.DisplayName, err)
		return
	}
	l.printf(dimStyle.Render, "listener: disconnected from %s", peer.DisplayName)
}

// newMemoryApps builds a presenter and a listener sharing one in-process
// network, each with its own library under dir.
func newMemoryApps(dir string) (presenter, listener *connectivity.App, net *transport.MemoryNetwork) {
	net = transport.NewMemoryNetwork()

	presenterCfg := connectivity.DefaultConfig()
	presenterCfg.DeviceID = "demo-presenter"
	presenterCfg.DisplayName = "Presenter"
	presenterCfg.DeviceModel = "demo"
	presenter = connectivity.NewApp(net, content.NewLibrary(filepath.Join(dir, "presenter")), presenterCfg)

	listenerCfg := presenterCfg
	listenerCfg.DeviceID = "demo-listener"
	listenerCfg.DisplayName = "Listener"
	listener = connectivity.NewApp(net, content.NewLibrary(filepath.Join(dir, "listener")), listenerCfg)
	return presenter, listener, net
}

// RunDemo presents a generated deck to an in-process listener and prints
// what the listener receives.
func RunDemo(slides int, interval time.Duration) error {
	return runDemo(os.Stdout, slides, interval)
}

func runDemo(w io.Writer, slides int, interval time.Duration) error {
	if slides <= 0 {
		return errors.New("slides must be positive")
	}

	dir, err := os.MkdirTemp("", "slidepeep-demo-")
	if err != nil {
		return fmt.Errorf("failed to create demo dir: %w", err)
	}
	defer os.RemoveAll(dir)

	presenter, listener, net := newMemoryApps(dir)
	defer net.Close()
	defer listener.Close()
	defer presenter.Close()

	for _, app := range []*connectivity.App{presenter, listener} {
		if err := app.Library().EnsureDirs(); err != nil {
			return err
		}
	}

	deck := filepath.Join(dir, demoPresentation)
	if err := os.WriteFile(deck, []byte(strings.Repeat("slide\n", slides)), 0644); err != nil {
		return fmt.Errorf("failed to write demo presentation: %w", err)
	}
	name, err := presenter.Library().Add(deck)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render("SlidePeep demo"))
	if err := presenter.StartPresenting(name, 0, slides); err != nil {
		return err
	}
	fmt.Fprintln(w, viewerStyle.Render(fmt.Sprintf("presenter: sharing %s (%d slides)", name, slides)))

	l := newDemoListener(w)
	if err := listener.StartListening(l); err != nil {
		return err
	}

	ps, err := waitForAdvertiser(listener.Browsing(), l.changed)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), demoWait)
	defer cancel()
	if err := listener.Browsing().Connect(ctx, ps); err != nil {
		return err
	}

	if _, err := receive(l.active); err != nil {
		return err
	}

	for page := uint(1); int(page) < slides; page++ {
		time.Sleep(interval)
		presenter.UpdatePage(page)
		log.Debug().Int("page", int(page)).Msg("Demo advanced slide")
		for {
			got, err := receive(l.slides)
			if err != nil {
				return err
			}
			if got == page {
				break
			}
		}
	}

	time.Sleep(interval)
	presenter.StopPresenting()
	if _, err := receive(l.stopped); err != nil {
		return err
	}
	fmt.Fprintln(w, titleStyle.Render("Demo finished"))
	return nil
}

func waitForAdvertiser(m *connectivity.BrowsingManager, changed <-chan struct{}) (session.PresentationSession, error) {
	deadline := time.After(demoWait)
	for {
		if found := m.ActualAdvertisers(); len(found) > 0 {
			return found[0], nil
		}
		select {
		case <-changed:
		case <-deadline:
			return session.PresentationSession{}, errDemoTimeout
		}
	}
}

func receive[T any](ch chan T) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(demoWait):
		var zero T
		return zero, errDemoTimeout
	}
}
