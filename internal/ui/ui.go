package ui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/ostm/internal/forward"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/util"
)

// Controller is the supervisor surface the dashboard drives. The dashboard
// keeps no tunnel state of its own; every refresh re-reads Status.
type Controller interface {
	Status(ctx context.Context, id string) (model.StatusReport, error)
	Start(ctx context.Context, id string) (model.TunnelResult, error)
	Stop(ctx context.Context, id string) (model.TunnelResult, error)
	Restart(ctx context.Context, id string) (model.TunnelResult, error)
}

// Editor adds channels from the dashboard form. A nil Editor disables the
// form.
type Editor interface {
	AddChannel(ctx context.Context, id string, t model.ForwardType, spec model.ChannelSpec) (forward.Result, error)
}

type tickMsg time.Time

type reportMsg struct {
	report model.StatusReport
	err    error
}

type actionMsg struct {
	verb string
	res  model.TunnelResult
	err  error
}

type editMsg struct {
	id  string
	res forward.Result
	err error
}

type dashboardModel struct {
	ctrl       Controller
	editor     Editor
	form       *channelForm
	refresh    int
	rows       []model.TunnelStatus
	filtered   []model.TunnelStatus
	summary    string
	filter     string
	filterMode bool
	showHelp   bool
	status     string
	busy       string
	table      table.Model
	width      int
	height     int
}

var columns = []table.Column{
	{Title: "ID", Width: 16},
	{Title: "STATUS", Width: 9},
	{Title: "PID", Width: 7},
	{Title: "TARGET", Width: 28},
	{Title: "BW (up/down)", Width: 12},
	{Title: "CH", Width: 4},
}

func newModel(ctrl Controller, editor Editor, refreshSeconds int) dashboardModel {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("63")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(s),
	)
	return dashboardModel{
		ctrl:    ctrl,
		editor:  editor,
		refresh: clampRefresh(refreshSeconds),
		table:   t,
		status:  "Loading tunnel status...",
	}
}

func (m *dashboardModel) applyFilter() {
	f := strings.ToLower(strings.TrimSpace(m.filter))
	m.filtered = nil
	for _, row := range m.rows {
		if f == "" ||
			strings.Contains(strings.ToLower(row.ID), f) ||
			strings.Contains(strings.ToLower(row.RemoteHost), f) ||
			strings.Contains(strings.ToLower(string(row.State)), f) {
			m.filtered = append(m.filtered, row)
		}
	}
	rows := make([]table.Row, 0, len(m.filtered))
	for _, row := range m.filtered {
		rows = append(rows, tableRow(row))
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) {
		m.table.SetCursor(max(len(rows)-1, 0))
	}
}

func tableRow(row model.TunnelStatus) table.Row {
	pid := "-"
	if row.PID > 0 {
		pid = strconv.Itoa(row.PID)
	}
	target := "-"
	if row.RemoteHost != "" {
		target = fmt.Sprintf("%s@%s:%d", row.RemoteUser, row.RemoteHost, row.SSHPort)
	} else if row.Command != "" {
		target = row.Command
	}
	bw := "-"
	if row.Bandwidth != nil {
		bw = fmt.Sprintf("%d/%d", row.Bandwidth.Up, row.Bandwidth.Down)
	}
	return table.Row{util.EmptyDash(row.ID), string(row.State), pid, target, bw, strconv.Itoa(row.Channels.Count())}
}

// selected returns the highlighted configured tunnel. Orphan rows have no
// id and cannot be acted on.
func (m dashboardModel) selected() (model.TunnelStatus, bool) {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.filtered) {
		return model.TunnelStatus{}, false
	}
	row := m.filtered[c]
	return row, row.ID != ""
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) fetch() tea.Cmd {
	return func() tea.Msg {
		rep, err := m.ctrl.Status(context.Background(), "")
		return reportMsg{report: rep, err: err}
	}
}

func (m dashboardModel) act(verb, id string) tea.Cmd {
	op := m.ctrl.Start
	switch verb {
	case "stop":
		op = m.ctrl.Stop
	case "restart":
		op = m.ctrl.Restart
	}
	return func() tea.Msg {
		res, err := op(context.Background(), id)
		return actionMsg{verb: verb, res: res, err: err}
	}
}

func (m dashboardModel) addChannel(id string, res *formResult) tea.Cmd {
	return func() tea.Msg {
		out, err := m.editor.AddChannel(context.Background(), id, res.forward, res.spec)
		return editMsg{id: id, res: out, err: err}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickCmd(m.refresh))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.fetch(), tickCmd(m.refresh))
	case reportMsg:
		if msg.err != nil {
			m.status = "status failed: " + msg.err.Error()
			return m, nil
		}
		m.rows = msg.report.Tunnels
		m.summary = msg.report.Message
		m.applyFilter()
		if m.busy == "" && strings.HasPrefix(m.status, "Loading") {
			m.status = "Ready. s start | x stop | R restart the selected tunnel."
		}
		return m, nil
	case actionMsg:
		m.busy = ""
		switch {
		case msg.err != nil:
			m.status = fmt.Sprintf("%s %s failed: %s", msg.verb, msg.res.ID, msg.err.Error())
		case msg.res.PID > 0:
			m.status = fmt.Sprintf("%s %s: %s (pid=%d)", msg.verb, msg.res.ID, msg.res.Message, msg.res.PID)
		default:
			m.status = fmt.Sprintf("%s %s: %s", msg.verb, msg.res.ID, msg.res.Message)
		}
		return m, m.fetch()
	case editMsg:
		m.busy = ""
		switch {
		case msg.err != nil:
			m.status = fmt.Sprintf("add channel to %s failed: %s", msg.id, msg.err.Error())
		case msg.res.NeedRestart:
			m.status = fmt.Sprintf("channel saved; press R to restart %s", msg.id)
		default:
			m.status = fmt.Sprintf("%s: %s", msg.id, msg.res.Tunnel.Message)
		}
		return m, m.fetch()
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(m.height-14, 5))
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			if msg.String() == "esc" {
				m.form = nil
				m.status = "Channel form cancelled"
				return m, nil
			}
			res, cmd := m.form.update(msg)
			if res == nil {
				return m, cmd
			}
			id := m.form.tunnelID
			m.form = nil
			m.busy = "add channel " + id
			m.status = m.busy + "..."
			return m, m.addChannel(id, res)
		}
		if m.filterMode {
			switch msg.String() {
			case "enter", "esc":
				m.filterMode = false
			case "backspace":
				if len(m.filter) > 0 {
					m.filter = m.filter[:len(m.filter)-1]
				}
			default:
				if len(msg.String()) == 1 {
					m.filter += msg.String()
				}
			}
			m.applyFilter()
			return m, nil
		}
		switch msg.String() {
		case "q", "ctrl+c":
			// Tunnels are daemons and outlive the dashboard.
			return m, tea.Quit
		case "/":
			m.filterMode = true
			m.status = "Filter mode: type and press Enter"
			return m, nil
		case "?":
			m.showHelp = !m.showHelp
			return m, nil
		case "r":
			m.status = "Refreshing..."
			return m, m.fetch()
		case "s", "x", "R":
			verb := map[string]string{"s": "start", "x": "stop", "R": "restart"}[msg.String()]
			if m.busy != "" {
				m.status = "Waiting for " + m.busy + " to finish"
				return m, nil
			}
			row, ok := m.selected()
			if !ok {
				m.status = "Select a configured tunnel first"
				return m, nil
			}
			m.busy = verb + " " + row.ID
			m.status = m.busy + "..."
			return m, m.act(verb, row.ID)
		case "a":
			if m.editor == nil {
				return m, nil
			}
			if m.busy != "" {
				m.status = "Waiting for " + m.busy + " to finish"
				return m, nil
			}
			row, ok := m.selected()
			if !ok {
				m.status = "Select a configured tunnel first"
				return m, nil
			}
			m.form = newChannelForm(row.ID)
			m.status = "Adding a channel to " + row.ID
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("ostm tunnels")
	subhead := fmt.Sprintf("%s | shown=%d refresh=%ds", util.DefaultString(m.summary, "no status yet"), len(m.filtered), m.refresh)
	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: s start | x stop | R restart | a add channel | / filter | r refresh | ? help | q quit"

	width := m.effectiveWidth()
	if m.form != nil {
		form := m.form.view(m.renderPanel, width)
		status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
		return lipgloss.JoinVertical(lipgloss.Left, head, form, status)
	}
	body := m.table.View()
	if len(m.filtered) == 0 {
		body = "(no tunnels)"
	}
	tunnels := m.renderPanel("Tunnels", body, width, lipgloss.Color("63"))
	detail := m.renderPanel("Details", m.detailBlock(), width, lipgloss.Color("69"))
	status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, subhead, filterLine, quickHelp, tunnels, detail, help, status)
}

func (m dashboardModel) detailBlock() string {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.filtered) {
		return "Pick a tunnel to view its channels."
	}
	row := m.filtered[c]
	if row.ID == "" {
		return fmt.Sprintf("Orphaned launcher pid=%d\n%s", row.PID, row.Command)
	}
	var b strings.Builder
	if row.Message != "" {
		b.WriteString(row.Message + "\n")
	}
	chans := row.Channels.Sorted()
	if len(chans) == 0 {
		b.WriteString("No channels.")
	}
	for _, ch := range chans {
		fmt.Fprintf(&b, "%-8s %-16s %s %s\n", ch.Type, ch.Name, ch.Type.Flag(), ch.ForwardArg(ch.Type))
	}
	return b.String()
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctrl Controller, editor Editor, refreshSeconds int) error {
	p := tea.NewProgram(newModel(ctrl, editor, refreshSeconds), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type id, host or status text, then Enter.",
		"  Lifecycle: s starts, x stops and R restarts the selected tunnel.",
		"  Channels: a opens the add-channel form for the selected tunnel.",
		"  Refresh: r re-reads status now; it also refreshes on a timer.",
		"  Quit: q (or Ctrl+C). Running tunnels keep running.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
