package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/phuslu/log"

	"github.com/tomaslejdung/slidepeep/pkg/connectivity"
	"github.com/tomaslejdung/slidepeep/pkg/content"
	"github.com/tomaslejdung/slidepeep/pkg/liveness"
	"github.com/tomaslejdung/slidepeep/pkg/session"
	"github.com/tomaslejdung/slidepeep/pkg/transport"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	slideStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	viewerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan for keys

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Dim separator

	activeBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)

	inactiveBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("8")).
				Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
)

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func renderHelp(keys ...string) string {
	var actions []string
	for i := 0; i+1 < len(keys); i += 2 {
		actions = append(actions, keyStyle.Render(keys[i])+helpStyle.Render(" "+keys[i+1]))
	}
	return strings.Join(actions, keySepStyle.Render("  "))
}

func renderSlide(page uint, slides int) string {
	return slideStyle.Render(fmt.Sprintf("%d / %d", page+1, slides))
}

// === Presenter ===

type presenterModel struct {
	app     *connectivity.App
	name    string
	page    uint
	slides  int
	sharing bool

	sessions  int
	listeners int
	status    string
}

func newPresenterModel(app *connectivity.App, name string, page uint, slides int) presenterModel {
	return presenterModel{
		app:     app,
		name:    name,
		page:    page,
		slides:  slides,
		sharing: true,
	}
}

func (m presenterModel) Init() tea.Cmd {
	return tickCmd()
}

func (m presenterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.sessions = len(m.app.Advertising().Sessions())
		m.listeners = m.app.Advertising().ConnectedPeerCount()
		return m, tickCmd()
	}
	return m, nil
}

func (m presenterModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "right", "l", " ", "pgdown":
		if m.sharing && int(m.page)+1 < m.slides {
			m.page++
			m.app.UpdatePage(m.page)
		}

	case "left", "h", "pgup":
		if m.sharing && m.page > 0 {
			m.page--
			m.app.UpdatePage(m.page)
		}

	case "b":
		m.app.EnterBackground()
		m.status = "Listeners told to reconnect later"

	case "s":
		if m.sharing {
			m.app.StopPresenting()
			m.sharing = false
			m.status = "Sharing stopped"
			break
		}
		if err := m.app.StartPresenting(m.name, m.page, m.slides); err != nil {
			m.status = err.Error()
			break
		}
		m.sharing = true
		m.status = "Sharing resumed"
	}
	return m, nil
}

func (m presenterModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SlidePeep"))
	b.WriteString(dimStyle.Render(" - Presenting"))
	b.WriteString("\n\n")

	if m.sharing {
		b.WriteString(selectedStyle.Render("[SHARING] "))
	} else {
		b.WriteString(errorStyle.Render("[STOPPED] "))
	}
	b.WriteString(normalStyle.Render(m.name))
	b.WriteString("\n\n")

	box := boxTitleStyle.Render("Slide") + "\n" + renderSlide(m.page, m.slides)
	if m.sharing {
		b.WriteString(activeBoxStyle.Render(box))
	} else {
		b.WriteString(inactiveBoxStyle.Render(box))
	}
	b.WriteString("\n")

	b.WriteString(viewerStyle.Render(fmt.Sprintf("%d listener(s)", m.listeners)))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" in %d session(s)", m.sessions)))
	b.WriteString("\n")

	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(renderHelp("←/→", "slide", "b", "background", "s", "stop/start", "q", "quit"))
	return b.String()
}

// RunPresenter runs the presenter console until the user quits.
func RunPresenter(app *connectivity.App, name string, page uint, slides int) error {
	p := tea.NewProgram(newPresenterModel(app, name, page, slides), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// === Viewer ===

type viewerPhase int

const (
	phaseBrowsing viewerPhase = iota
	phaseConnecting
	phaseFollowing
	phaseLost
)

type advertisersChangedMsg struct{}

type connectResultMsg struct {
	name string
	err  error
}

type listeningStartedMsg struct {
	err error
}

type advertiserStateMsg struct {
	peer  transport.Peer
	state transport.State
}

type activeSlideMsg struct {
	state content.PresentationState
}

type slideUpdatedMsg struct {
	name string
	page uint
}

type sharingStoppedMsg struct {
	showAgain bool
}

type downloadMsg struct {
	name string
	err  error
}

type disconnectedMsg struct {
	peer transport.Peer
	err  error
}

// teaListener forwards session events into the bubbletea program.
type teaListener struct {
	send func(tea.Msg)
}

func (l *teaListener) AdvertiserStateChanged(peer transport.Peer, state transport.State) {
	l.send(advertiserStateMsg{peer: peer, state: state})
}

func (l *teaListener) ActiveSlideReceived(peer transport.Peer, state content.PresentationState) {
	l.send(activeSlideMsg{state: state})
}

func (l *teaListener) SlideUpdated(peer transport.Peer, name string, page uint) {
	l.send(slideUpdatedMsg{name: name, page: page})
}

func (l *teaListener) SharingStopped(peer transport.Peer, showAgain bool) {
	l.send(sharingStoppedMsg{showAgain: showAgain})
}

func (l *teaListener) DownloadStarted(peer transport.Peer, name string) {
	l.send(downloadMsg{name: name})
}

func (l *teaListener) DownloadFailed(err *session.ResourceTransferError) {
	l.send(downloadMsg{name: err.Name, err: err})
}

func (l *teaListener) Disconnected(peer transport.Peer, err error) {
	l.send(disconnectedMsg{peer: peer, err: err})
}

func (l *teaListener) AdvertisersChanged() {
	l.send(advertisersChangedMsg{})
}

type viewerModel struct {
	app      *connectivity.App
	listener *teaListener

	advertisers []session.PresentationSession
	cursor      int

	phase     viewerPhase
	following string
	state     content.PresentationState
	hasSlide  bool
	status    string
	lastError string
}

func newViewerModel(app *connectivity.App, listener *teaListener) viewerModel {
	return viewerModel{app: app, listener: listener}
}

func (m viewerModel) Init() tea.Cmd {
	app, listener := m.app, m.listener
	return func() tea.Msg {
		return listeningStartedMsg{err: app.StartListening(listener)}
	}
}

func (m viewerModel) connect(ps session.PresentationSession) tea.Cmd {
	browsing := m.app.Browsing()
	return func() tea.Msg {
		return connectResultMsg{name: ps.DisplayName(), err: browsing.Connect(context.Background(), ps)}
	}
}

func (m viewerModel) reconnect(name string) tea.Cmd {
	browsing := m.app.Browsing()
	return func() tea.Msg {
		return connectResultMsg{name: name, err: browsing.Reconnect(context.Background(), name)}
	}
}

func (m viewerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case listeningStartedMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}

	case advertisersChangedMsg:
		m.advertisers = m.app.Browsing().ActualAdvertisers()
		if m.cursor >= len(m.advertisers) {
			m.cursor = max(0, len(m.advertisers)-1)
		}

	case connectResultMsg:
		if msg.err != nil {
			m.phase = phaseLost
			m.lastError = msg.err.Error()
			break
		}
		m.following = msg.name
		m.lastError = ""

	case advertiserStateMsg:
		if msg.state == transport.StateConnected {
			m.phase = phaseFollowing
			m.following = msg.peer.DisplayName
			m.status = "Connected, waiting for the presenter"
		}

	case downloadMsg:
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.status = "Downloading " + msg.name
		}

	case activeSlideMsg:
		m.state = msg.state
		m.hasSlide = true
		m.status = ""

	case slideUpdatedMsg:
		if msg.name == m.state.Name || m.state.Name == "" {
			m.state.Name = msg.name
			m.state.CurrentSlide = msg.page
			m.hasSlide = true
		}

	case sharingStoppedMsg:
		// browsing restarts; the list fills in again through advertisersChanged
		m.phase = phaseBrowsing
		m.hasSlide = false
		if msg.showAgain {
			m.status = "Presenter paused, press R to reconnect"
		} else {
			m.following = ""
			m.status = "Presenter stopped sharing"
		}

	case disconnectedMsg:
		m.phase = phaseLost
		m.hasSlide = false
		if errors.Is(msg.err, liveness.ErrTimeout) {
			m.lastError = "Presenter stopped responding"
		} else {
			m.status = "Disconnected from " + msg.peer.DisplayName
		}
		m.advertisers = m.app.Browsing().ActualAdvertisers()
	}
	return m, nil
}

func (m viewerModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.advertisers)-1 {
			m.cursor++
		}

	case "enter":
		if m.phase == phaseConnecting || m.cursor >= len(m.advertisers) {
			break
		}
		ps := m.advertisers[m.cursor]
		m.phase = phaseConnecting
		m.status = "Connecting to " + ps.DisplayName()
		m.lastError = ""
		return m, m.connect(ps)

	case "R":
		if m.following == "" || m.phase == phaseConnecting {
			break
		}
		m.phase = phaseConnecting
		m.status = "Reconnecting to " + m.following
		m.lastError = ""
		return m, m.reconnect(m.following)

	case "r":
		if err := m.app.Browsing().Refresh(); err != nil {
			m.lastError = err.Error()
		}
	}
	return m, nil
}

func (m viewerModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SlidePeep"))
	b.WriteString(dimStyle.Render(" - Watching as " + m.app.Config().DisplayName))
	b.WriteString("\n\n")

	switch m.phase {
	case phaseConnecting:
		b.WriteString(statusStyle.Render("[CONNECTING]"))
	case phaseFollowing:
		b.WriteString(selectedStyle.Render("[FOLLOWING] "))
		b.WriteString(normalStyle.Render(m.following))
	case phaseLost:
		b.WriteString(errorStyle.Render("[DISCONNECTED]"))
	default:
		b.WriteString(dimStyle.Render("[BROWSING]"))
	}
	b.WriteString("\n\n")

	if m.hasSlide {
		box := boxTitleStyle.Render(m.state.Name) + "\n" + renderSlide(m.state.CurrentSlide, m.state.SlidesAmount)
		b.WriteString(activeBoxStyle.Render(box))
		b.WriteString("\n")
	}

	b.WriteString(m.renderAdvertisers())

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.status))
	}
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
	}

	b.WriteString("\n\n")
	b.WriteString(renderHelp("↑/↓", "select", "enter", "connect", "R", "reconnect", "r", "refresh", "q", "quit"))
	return b.String()
}

func (m viewerModel) renderAdvertisers() string {
	var b strings.Builder
	b.WriteString(boxTitleStyle.Render("Presentations"))
	b.WriteString("\n")
	if len(m.advertisers) == 0 {
		b.WriteString(dimStyle.Render("Looking for presenters..."))
		return inactiveBoxStyle.Render(b.String())
	}
	for i, ps := range m.advertisers {
		line := fmt.Sprintf("%s %s", ps.DisplayName(), dimStyle.Render(ps.BroadcastingDevice))
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("▸ " + line))
		} else {
			b.WriteString(normalStyle.Render("  " + line))
		}
		if i < len(m.advertisers)-1 {
			b.WriteString("\n")
		}
	}
	return activeBoxStyle.Render(b.String())
}

// RunViewer runs the listener console until the user quits.
func RunViewer(app *connectivity.App) error {
	listener := &teaListener{}
	p := tea.NewProgram(newViewerModel(app, listener), tea.WithAltScreen())
	listener.send = func(msg tea.Msg) {
		// Send blocks until the program reads it; session goroutines must not
		go p.Send(msg)
	}
	_, err := p.Run()
	if err != nil {
		log.Error().Err(err).Msg("viewer console failed")
	}
	return err
}
