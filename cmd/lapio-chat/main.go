// lapio-chat is the terminal chat client. It runs the shared chatsync
// core over the lapio-server HTTP API: a poller keeps the transcript in
// sync across devices while sends go through the optimistic pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"lapio/internal/chatsync"
	"lapio/pkg/lapio"
)

// Styles.
var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	userTagStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	botTagStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	typingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	footerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	textStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	botTextStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	inputBoxHeight = 3
)

// Messages. The session's callbacks run off the UI goroutine and are
// forwarded through Program.Send.
type storeChangedMsg struct{}
type typingMsg bool
type sendDoneMsg struct{ err error }

type model struct {
	ctx  context.Context
	sess *chatsync.Session

	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int

	typing  bool
	sending bool
	sendErr string
}

func initialModel(ctx context.Context, sess *chatsync.Session) model {
	ta := textarea.New()
	ta.Placeholder = "Ask about your positions, signals, or the market..."
	ta.ShowLineNumbers = false
	ta.CharLimit = 2000
	ta.SetHeight(inputBoxHeight)
	ta.Focus()
	return model{ctx: ctx, sess: sess, textarea: ta}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m.startSend()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 1 - 1 - inputBoxHeight - 1 // header, typing line, input, footer
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.textarea.SetWidth(m.width)
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		return m, nil

	case storeChangedMsg:
		if m.ready {
			m.viewport.SetContent(m.renderTranscript())
			m.viewport.GotoBottom()
		}
		return m, nil

	case typingMsg:
		m.typing = bool(msg)
		return m, nil

	case sendDoneMsg:
		m.sending = false
		m.textarea.Focus()
		if msg.err != nil {
			m.sendErr = fmt.Sprintf("send failed: %v", msg.err)
		}
		if m.ready {
			m.viewport.SetContent(m.renderTranscript())
			m.viewport.GotoBottom()
		}
		return m, textarea.Blink
	}

	var cmd tea.Cmd
	if !m.sending {
		m.textarea, cmd = m.textarea.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// startSend kicks the optimistic send pipeline off the UI goroutine.
// Input stays disabled until the round trip resolves.
func (m model) startSend() (tea.Model, tea.Cmd) {
	if m.sending || m.sess.Pending() {
		return m, nil
	}
	text := strings.TrimSpace(m.textarea.Value())
	if text == "" {
		return m, nil
	}
	m.textarea.Reset()
	m.textarea.Blur()
	m.sending = true
	m.sendErr = ""

	sess, ctx := m.sess, m.ctx
	return m, func() tea.Msg {
		_, err := sess.Send(ctx, text)
		return sendDoneMsg{err: err}
	}
}

func (m model) renderTranscript() string {
	msgs := m.sess.Messages()
	if len(msgs) == 0 {
		return pendingStyle.Render("  No messages yet. Say hello.")
	}

	wrap := lipgloss.NewStyle().Width(m.width - 2)
	var b strings.Builder
	for _, msg := range msgs {
		tag := botTagStyle.Render("lapio")
		body := botTextStyle
		if msg.Role == chatsync.RoleUser {
			tag = userTagStyle.Render("you")
			body = textStyle
		}

		stamp := chatsync.ShortTime(msg.TS)
		if !msg.Confirmed() {
			stamp = "sending..."
			body = pendingStyle
		}
		b.WriteString(tag)
		b.WriteString(" ")
		b.WriteString(timeStyle.Render(stamp))
		b.WriteString("\n")
		b.WriteString(wrap.Render("  " + body.Render(chatsync.StripMarkup(msg.Text))))
		b.WriteString("\n\n")
	}
	return b.String()
}

func (m model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := headerStyle.Render(padOrTrunc(" LAPIO chat ", m.width))

	typingLine := ""
	if m.typing {
		typingLine = typingStyle.Render("  lapio is typing...")
	}

	footerText := " esc quit  enter send  pgup/pgdn scroll"
	if m.sendErr != "" {
		footerText = " " + m.sendErr
		return header + "\n" + m.viewport.View() + "\n" + typingLine + "\n" +
			m.textarea.View() + "\n" + errStyle.Render(padOrTrunc(footerText, m.width))
	}
	return header + "\n" + m.viewport.View() + "\n" + typingLine + "\n" +
		m.textarea.View() + "\n" + footerStyle.Render(padOrTrunc(footerText, m.width))
}

func padOrTrunc(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func main() {
	_ = godotenv.Load()

	server := os.Getenv("LAPIO_SERVER")
	if server == "" {
		server = "http://localhost:8000"
	}
	password := os.Getenv("APP_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "APP_PASSWORD environment variable not set")
		os.Exit(1)
	}

	logPath := fmt.Sprintf("/tmp/lapio-chat-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

	client := lapio.NewClient(server, password)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The program pointer is set before the poller starts, so the
	// callbacks below never observe it nil.
	var p *tea.Program
	sess := chatsync.NewSession(client, chatsync.Options{
		OnChange: func() {
			if p != nil {
				p.Send(storeChangedMsg{})
			}
		},
		OnTyping: func(on bool) {
			if p != nil {
				p.Send(typingMsg(on))
			}
		},
		Logger: logger,
	})
	poller := chatsync.NewPoller(sess, chatsync.DefaultPollInterval)

	p = tea.NewProgram(initialModel(ctx, sess), tea.WithAltScreen())
	poller.Start(ctx)

	_, runErr := p.Run()

	// Quit, error, or panic recovery all land here: stop polling before
	// tearing down so no late batch mutates a dead view.
	poller.Stop()
	cancel()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
