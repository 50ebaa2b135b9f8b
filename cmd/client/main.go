// GoChat TUI client.
//
// Screens
// -------
//   stateName – centered username prompt (choose_name / name_rejected loop)
//   stateChat – full-screen chat with scrollable message viewport
//
// Concurrency
// -----------
//   A single goroutine reads newline-delimited frames from the TCP
//   connection and forwards them to the frames channel.  The Bubbletea event
//   loop consumes one frame at a time via waitForFrame (a tea.Cmd),
//   immediately queuing the next read after each frame is processed.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gochat/internal/chat"
	"gochat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	hintStyle = lipgloss.NewStyle().
			Foreground(gray).
			Italic(true)

	promptStyle = lipgloss.NewStyle().Foreground(cyan)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type serverFrameMsg string    // a raw frame line arrived from the server
type disconnectedMsg struct{} // server closed the connection

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateName appState = iota
	stateChat
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type model struct {
	conn   net.Conn
	frames chan string // goroutine → bubbletea bridge

	state appState
	me    string     // accepted user name
	scope chat.Scope // what we are currently viewing

	// Name screen
	nameInput textinput.Model
	statusMsg string

	// Chat screen
	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string

	width, height int
}

func newModel(conn net.Conn, frames chan string) model {
	ni := textinput.New()
	ni.Placeholder = "username"
	ni.Focus()
	ni.CharLimit = 32
	ni.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 500

	return model{
		conn:      conn,
		frames:    frames,
		state:     stateName,
		scope:     chat.DefaultScope(),
		nameInput: ni,
		chatInput: ci,
		statusMsg: "Waiting for the server…",
	}
}

// ---------------------------------------------------------------------------
// Tea interface
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForFrame(m.frames))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverFrameMsg:
		m = m.handleServerFrame(string(msg))
		return m, waitForFrame(m.frames)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case tea.KeyMsg:
		switch m.state {
		case stateName:
			return m.handleNameKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1) = 3 lines reserved
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleNameKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEnter:
		name := strings.TrimSpace(m.nameInput.Value())
		if name == "" {
			m.statusMsg = "a name is required"
			return m, nil
		}
		// The candidate name goes out as a bare frame.
		fmt.Fprintf(m.conn, "%s\n", name)
		m.statusMsg = "Checking name…"
		return m, nil
	}

	var cmd tea.Cmd
	m.nameInput, cmd = m.nameInput.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		return m, tea.Quit

	case tea.KeyEnter:
		text := strings.TrimSpace(m.chatInput.Value())
		if text != "" {
			m = m.dispatchInput(text)
			m.chatInput.Reset()
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// dispatchInput interprets a console line: protocol commands go out as-is
// (after local validation), everything else is wrapped as a chat message.
func (m model) dispatchInput(text string) model {
	op, rest := protocol.Split(text)
	switch op {
	case protocol.OpChangeChat:
		if _, _, err := protocol.ParseChangeChat(rest); err != nil {
			m.appendChat(errorStyle.Render("Wrong chat type — use: change_chat <channel|private> <name>"))
			return m
		}
		m.conn.Write(protocol.Frame(protocol.OpChangeChat, rest))

	case protocol.OpGetStatistic:
		m.conn.Write(protocol.Frame(protocol.OpGetStatistic, ""))

	case protocol.OpBanUser:
		if strings.TrimSpace(rest) == "" {
			m.appendChat(errorStyle.Render("ban_user needs a user name"))
			return m
		}
		m.conn.Write(protocol.Frame(protocol.OpBanUser, rest))

	default:
		m.conn.Write(protocol.Frame(protocol.OpMessageFromClient, text))
	}
	return m
}

// ---------------------------------------------------------------------------
// Server frame handler
// ---------------------------------------------------------------------------

func (m model) handleServerFrame(line string) model {
	op, payload := protocol.Split(line)

	switch op {
	case protocol.OpChooseName:
		m.statusMsg = "Choose a username"

	case protocol.OpNameRejected:
		m.statusMsg = "This username is already in use — please choose another one"

	case protocol.OpNameAccepted:
		m.me = payload
		m.state = stateChat
		m.chatInput.Focus()
		m.appendChat(sysStyle.Render("OK! Your name is " + m.me))
		m.appendChat(hintStyle.Render("To show statistics, write `get_statistic`"))
		m.appendChat(hintStyle.Render("To ban a user, write `ban_user USER_NAME`"))
		m.appendChat(hintStyle.Render("To switch scope, write `change_chat <channel|private> <name>`"))

	case protocol.OpChangeChat:
		chatType, chatName, err := protocol.ParseChangeChat(payload)
		if err != nil {
			return m
		}
		m.scope = chat.Scope{Type: chat.DestType(chatType), Name: chatName}
		m.appendChat(sysStyle.Render(fmt.Sprintf("Now viewing %s %q", chatType, chatName)))

	case protocol.OpSetStatistic:
		var stats protocol.Statistics
		if err := protocol.UnmarshalPayload(payload, &stats); err != nil {
			return m
		}
		m.appendChat(sysStyle.Render(fmt.Sprintf("Users online (%d): %s",
			len(stats.Users), strings.Join(stats.Users, ", "))))
		m.appendChat(sysStyle.Render("Channels: " + strings.Join(stats.Channels, ", ")))

	case protocol.OpMessageFromSrv:
		var wm protocol.WireMessage
		if err := protocol.UnmarshalPayload(payload, &wm); err != nil {
			return m
		}
		msg := chat.Message{
			ID:      wm.UUID,
			Creator: wm.Creator,
			Dest:    chat.Scope{Type: chat.DestType(wm.DestinationType), Name: wm.DestinationName},
			Body:    wm.Message,
		}
		// Only messages matching the current view are shown and
		// acknowledged; everything else stays pending on the server.
		if !msg.DeliversTo(m.scope, m.me) {
			return m
		}
		var name string
		if wm.Creator == m.me {
			name = myNameStyle.Render(wm.Creator)
		} else {
			name = peerStyle.Render(wm.Creator)
		}
		m.appendChat("[" + name + "] " + wm.Message)
		if frame, err := protocol.FrameJSON(protocol.OpMessageApprove, protocol.ApprovePayload{
			UUID: wm.UUID,
			User: m.me,
		}); err == nil {
			m.conn.Write(frame)
		}

	default:
		// Unknown operator: show the raw frame.
		m.appendChat(line)
	}
	return m
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	if m.ready {
		m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
		m.viewport.GotoBottom()
	}
}

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateName:
		return m.viewName()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewName() string {
	if m.width == 0 {
		return "\n  Connecting to server…"
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("  GoChat Terminal  "),
		"",
		promptStyle.Render("Username")+"  "+m.nameInput.View(),
		"",
		hintStyle.Render("Enter: submit   Ctrl+C: quit"),
		"",
		m.renderStatus(),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" GoChat  ·  %s  ·  %s %s  ·  PgUp/Dn: Scroll  Ctrl+C: Quit",
			m.me, m.scope.Type, m.scope.Name))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

func (m model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if strings.Contains(m.statusMsg, "already in use") {
		return errorStyle.Render(m.statusMsg)
	}
	return hintStyle.Render(m.statusMsg)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitForFrame returns a tea.Cmd that blocks until the next frame arrives.
// When the channel is closed (server disconnected) it returns
// disconnectedMsg.
func waitForFrame(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return serverFrameMsg(line)
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	stdin := bufio.NewReader(os.Stdin)
	host := "127.0.0.1"
	port := "8000"

	fmt.Printf("Choose server host (by default %s)\n", host)
	if h := readLine(stdin); h != "" {
		host = h
	}
	fmt.Printf("Choose server port (by default %s)\n", port)
	if p := readLine(stdin); p != "" {
		port = p
	}

	addr := net.JoinHostPort(host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't connect to the server %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	// frames bridges the TCP reader goroutine and the Bubbletea event loop.
	frames := make(chan string, 64)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			frames <- scanner.Text()
		}
	}()

	p := tea.NewProgram(
		newModel(conn, frames),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func readLine(r *bufio.Reader) string {
	line, _ := r.ReadString('\n')
	return strings.TrimSpace(line)
}
