// Package tui renders the voice-chat screen: connection status, the
// conversation transcript, and the three call controls.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	voicetutor "github.com/lingopeer/voicetutor"
	"github.com/lingopeer/voicetutor/chat"
)

// Controller is what the view needs from the chat layer.
type Controller interface {
	StartCall(ctx context.Context) error
	EndCall() error
	ToggleMic() error
	ToggleMute() bool
	Snapshot() (chat.CallState, []voicetutor.Message)
	Partials() (user, ai string)
}

const snapshotInterval = 250 * time.Millisecond

// Model is the root bubbletea model.
type Model struct {
	ctrl Controller
	ctx  context.Context

	// Derived call state, refreshed by the snapshot tick
	state       chat.CallState
	transcript  []voicetutor.Message
	partialUser string
	partialAI   string

	// UI state
	width        int
	height       int
	errorMessage string
	callPending  bool
	quitting     bool
}

// New creates a Model bound to a controller. ctx is the lifetime of any call
// started from the UI.
func New(ctx context.Context, ctrl Controller) Model {
	if ctx == nil {
		ctx = context.Background()
	}
	return Model{ctrl: ctrl, ctx: ctx}
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(snapshotInterval, func(time.Time) tea.Msg {
		return TickMsg{}
	})
}

func snapshotCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		state, transcript := ctrl.Snapshot()
		user, ai := ctrl.Partials()
		return SnapshotMsg{
			State:       state,
			Transcript:  transcript,
			PartialUser: user,
			PartialAI:   ai,
		}
	}
}

func startCallCmd(ctx context.Context, ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return CallToggledMsg{Err: ctrl.StartCall(ctx)}
	}
}

func endCallCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return CallToggledMsg{Err: ctrl.EndCall()}
	}
}

func toggleMicCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return MicToggledMsg{Err: ctrl.ToggleMic()}
	}
}

func toggleMuteCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return MuteToggledMsg{Muted: ctrl.ToggleMute()}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(snapshotCmd(m.ctrl), tickCmd())

	case SnapshotMsg:
		m.state = msg.State
		m.transcript = msg.Transcript
		m.partialUser = msg.PartialUser
		m.partialAI = msg.PartialAI
		if msg.State.Err != "" {
			m.errorMessage = msg.State.Err
		}
		return m, nil

	case CallToggledMsg:
		m.callPending = false
		if msg.Err != nil {
			m.errorMessage = msg.Err.Error()
		} else {
			m.errorMessage = ""
		}
		return m, snapshotCmd(m.ctrl)

	case MicToggledMsg:
		if msg.Err != nil {
			m.errorMessage = msg.Err.Error()
		}
		return m, snapshotCmd(m.ctrl)

	case MuteToggledMsg:
		return m, snapshotCmd(m.ctrl)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		m.quitting = true
		if m.state.Connected {
			return m, tea.Sequence(endCallCmd(m.ctrl), tea.Quit)
		}
		return m, tea.Quit

	case KeyCallToggle:
		if m.callPending {
			return m, nil
		}
		m.callPending = true
		if m.state.Connected {
			return m, endCallCmd(m.ctrl)
		}
		return m, startCallCmd(m.ctx, m.ctrl)

	case KeyMuteToggle:
		if !m.state.Connected {
			return m, nil
		}
		return m, toggleMuteCmd(m.ctrl)

	case KeyMicToggle:
		if !m.state.Connected {
			return m, nil
		}
		return m, toggleMicCmd(m.ctrl)
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return "Ending call...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Voice Tutor"))
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	for _, entry := range m.transcript {
		b.WriteString(m.renderEntry(entry))
		b.WriteString("\n")
	}
	if m.partialUser != "" {
		b.WriteString(partialStyle.Render("you: " + m.partialUser))
		b.WriteString("\n")
	}
	if m.partialAI != "" {
		b.WriteString(partialStyle.Render("tutor: " + m.partialAI))
		b.WriteString("\n")
	}

	if m.errorMessage != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("error: " + m.errorMessage))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.helpLine()))
	b.WriteString("\n")
	return b.String()
}

func (m Model) statusLine() string {
	if !m.state.Connected {
		if m.callPending {
			return statusOffStyle.Render("○ connecting...")
		}
		return statusOffStyle.Render("○ disconnected")
	}
	parts := []string{statusOnStyle.Render("● connected")}
	if m.state.Listening {
		parts = append(parts, statusOnStyle.Render("mic on"))
	} else {
		parts = append(parts, statusOffStyle.Render("mic off"))
	}
	if m.state.Muted {
		parts = append(parts, statusOffStyle.Render("muted"))
	}
	if m.state.SessionID != "" {
		sid := m.state.SessionID
		if len(sid) > 8 {
			sid = sid[:8]
		}
		parts = append(parts, statusOffStyle.Render(fmt.Sprintf("session %s", sid)))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderEntry(entry voicetutor.Message) string {
	if entry.Sender == voicetutor.SenderUser {
		return userStyle.Render("you: ") + entry.Text
	}
	return tutorStyle.Render("tutor: ") + entry.Text
}

func (m Model) helpLine() string {
	if !m.state.Connected {
		return "c: start call • q: quit"
	}
	return "c: end call • m: mute • space: mic on/off • q: quit"
}
