package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/toitware/cellular/at"
	"github.com/toitware/cellular/atsession"
	"github.com/toitware/cellular/cellular"
)

const maxLogLines = 500

var (
	styleSent  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleRecv  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleState = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
	styleHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// logLineMsg is a single line appended to the console's scrollback: a sent
// command, a received result, or a URC.
type logLineMsg string

// stateMsg reports a Machine.State() transition, polled at pollInterval.
type stateMsg cellular.State

type pollTickMsg time.Time

const pollInterval = 500 * time.Millisecond

// consoleModel is the Bubble Tea model driving the interactive AT console:
// a scrollback viewport plus a single-line input for raw AT commands.
type consoleModel struct {
	machine *cellular.Machine
	log     *zap.Logger

	lines    []string
	view     viewport.Model
	input    textinput.Model
	lastSeen cellular.State

	width  int
	height int
	quit   bool
}

func newConsoleModel(machine *cellular.Machine, log *zap.Logger) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "AT+CSQ"
	ti.Prompt = "> "
	ti.Focus()

	vp := viewport.New(80, 20)

	return consoleModel{
		machine: machine,
		log:     log,
		view:    vp,
		input:   ti,
	}
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, pollTick(), m.watchURCs())
}

func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollTickMsg(t) })
}

// watchURCs waits up to two seconds for one reading from the machine's
// signal-quality channel and turns it into a log line. It does not
// subscribe to the session's URC stream, which isn't exposed outside
// atsession; state transitions and signal readings are the console's
// live feed alongside explicit command output.
func (m consoleModel) watchURCs() tea.Cmd {
	return func() tea.Msg {
		select {
		case rssi, ok := <-m.machine.SignalQuality():
			if !ok {
				return nil
			}
			return logLineMsg(fmt.Sprintf("signal: rssi=%d", rssi))
		case <-time.After(2 * time.Second):
			return nil
		}
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			return m, m.sendCommand(line)
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width
		m.view.Height = msg.Height - 4
		m.input.Width = msg.Width - 2
		m.reflow()
		return m, nil

	case logLineMsg:
		m.appendLine(string(msg))
		return m, m.watchURCs()

	case stateMsg:
		if cellular.State(msg) != m.lastSeen {
			m.lastSeen = cellular.State(msg)
			m.appendLine(styleState.Render("state: " + m.lastSeen.String()))
		}
		return m, nil

	case pollTickMsg:
		return m, tea.Batch(pollTick(), m.pollState())
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m consoleModel) pollState() tea.Cmd {
	return func() tea.Msg { return stateMsg(m.machine.State()) }
}

// sendCommand issues line as a raw AT command through the machine's
// locker, serialized against the machine's own background traffic.
func (m consoleModel) sendCommand(line string) tea.Cmd {
	return func() tea.Msg {
		m.log.Debug("console: sending", zap.String("line", line))
		var result at.Result
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.machine.Locker().Do(func(s *atsession.Session) error {
			var sendErr error
			result, sendErr = s.Send(ctx, at.RawCommand(line))
			return sendErr
		})
		if err != nil {
			return logLineMsg(styleError.Render(fmt.Sprintf("ERROR %s: %v", line, err)))
		}
		return logLineMsg(fmt.Sprintf("%s\n%s", styleSent.Render("> "+line), styleRecv.Render(formatResult(result))))
	}
}

func formatResult(result at.Result) string {
	if len(result.Responses) == 0 {
		return result.Code
	}
	var b strings.Builder
	for i, line := range result.Responses {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line.Raw)
	}
	b.WriteByte('\n')
	b.WriteString(result.Code)
	return b.String()
}

func (m *consoleModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.reflow()
}

func (m *consoleModel) reflow() {
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

func (m consoleModel) View() string {
	if m.quit {
		return ""
	}
	help := styleHelp.Render("enter: send · esc: quit")
	return fmt.Sprintf("%s\n%s\n%s", m.view.View(), m.input.View(), help)
}
