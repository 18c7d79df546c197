package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/ostm/internal/model"
)

// formMode distinguishes between the mode-select, quick and full screens.
type formMode int

const (
	formModeSelect formMode = iota
	formModeQuick
	formModeFull
)

// Field indices for the full channel form.
const (
	fieldType = iota
	fieldName
	fieldListenPort
	fieldListenHost
	fieldEndpointHost
	fieldEndpointPort
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	forward model.ForwardType
	spec    model.ChannelSpec
}

// channelForm collects a new channel for one tunnel.
type channelForm struct {
	tunnelID string
	mode     formMode
	modeSel  int // 0 = quick, 1 = full

	quickInput textinput.Model

	fields   []textinput.Model
	focusIdx int

	errMsg string
}

func newChannelForm(tunnelID string) *channelForm {
	f := &channelForm{tunnelID: tunnelID, mode: formModeSelect}

	qi := textinput.New()
	qi.Placeholder = "-L 8080:10.0.0.5:80 web"
	qi.CharLimit = 256
	qi.Width = 50
	f.quickInput = qi

	placeholders := []string{
		"LOCAL | REMOTE | DYNAMIC",
		"web (required)",
		"8080 (required)",
		"0.0.0.0 (REMOTE only)",
		"10.0.0.5 (LOCAL/REMOTE)",
		"80 (LOCAL/REMOTE)",
	}
	limits := []int{8, 64, 5, 256, 256, 5}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		f.fields[i] = ti
	}
	return f
}

// update processes a key message and returns a formResult once the input
// validates.
func (f *channelForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch f.mode {
	case formModeSelect:
		return f.updateModeSelect(msg)
	case formModeQuick:
		return f.updateQuick(msg)
	case formModeFull:
		return f.updateFull(msg)
	}
	return nil, nil
}

func (f *channelForm) updateModeSelect(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		if f.modeSel < 1 {
			f.modeSel++
		}
	case "k", "up":
		if f.modeSel > 0 {
			f.modeSel--
		}
	case "enter":
		if f.modeSel == 0 {
			f.mode = formModeQuick
			f.quickInput.Focus()
			return nil, f.quickInput.Cursor.BlinkCmd()
		}
		f.mode = formModeFull
		f.focusIdx = 0
		f.fields[0].Focus()
		return nil, f.fields[0].Cursor.BlinkCmd()
	}
	return nil, nil
}

func (f *channelForm) updateQuick(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	if msg.String() == "enter" {
		t, spec, err := parseForwardSpec(f.quickInput.Value())
		if err == nil {
			spec, err = spec.Validate(t)
		}
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{forward: t, spec: spec}, nil
	}
	var cmd tea.Cmd
	f.quickInput, cmd = f.quickInput.Update(msg)
	f.errMsg = ""
	return nil, cmd
}

func (f *channelForm) updateFull(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "enter":
		res, err := f.buildChannel()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return res, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *channelForm) buildChannel() (*formResult, error) {
	value := func(i int) string { return strings.TrimSpace(f.fields[i].Value()) }
	port := func(i int, label string) (int, error) {
		if value(i) == "" {
			return 0, nil
		}
		p, err := strconv.Atoi(value(i))
		if err != nil {
			return 0, fmt.Errorf("%s must be a number", label)
		}
		return p, nil
	}

	t, err := model.ParseForwardType(value(fieldType))
	if err != nil {
		return nil, err
	}
	listen, err := port(fieldListenPort, "listen port")
	if err != nil {
		return nil, err
	}
	endpoint, err := port(fieldEndpointPort, "endpoint port")
	if err != nil {
		return nil, err
	}
	spec, err := model.ChannelSpec{
		Name:         value(fieldName),
		ListenPort:   listen,
		ListenHost:   value(fieldListenHost),
		EndpointHost: value(fieldEndpointHost),
		EndpointPort: endpoint,
	}.Validate(t)
	if err != nil {
		return nil, err
	}
	return &formResult{forward: t, spec: spec}, nil
}

// view renders the form panel.
func (f *channelForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	switch f.mode {
	case formModeSelect:
		return renderPanel("New Channel for "+f.tunnelID, f.modeSelectView(), width, accent)
	case formModeQuick:
		return renderPanel("Quick Channel for "+f.tunnelID, f.quickView(), width, accent)
	case formModeFull:
		return renderPanel("New Channel for "+f.tunnelID+" - Full", f.fullView(), width, accent)
	}
	return ""
}

func (f *channelForm) modeSelectView() string {
	var b strings.Builder
	b.WriteString("Choose input style:\n\n")

	options := []struct {
		label string
		desc  string
	}{
		{"Quick", "Type an ssh-style forward such as -L 8080:10.0.0.5:80"},
		{"Full", "Fill in every channel field"},
	}
	for i, opt := range options {
		cursor := "  "
		if i == f.modeSel {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s[%s]  %s\n", cursor, opt.label, opt.desc))
	}

	b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	return b.String()
}

func (f *channelForm) quickView() string {
	var b strings.Builder
	b.WriteString("Forward:\n\n")
	b.WriteString("  " + f.quickInput.View() + "\n\n")
	b.WriteString("Formats: -L port:host:port [name] | -R bind:port:host:port [name] | -D port [name]\n")
	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nEnter to add, Esc to cancel")
	return b.String()
}

func (f *channelForm) fullView() string {
	labels := []string{"Type:", "Name:", "ListenPort:", "ListenHost:", "EndpointHost:", "EndpointPort:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-14s %s\n", cursor, label, f.fields[i].View()))
	}
	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nTab/Shift-Tab navigate | Enter add | Esc cancel")
	return b.String()
}

// parseForwardSpec reads the ssh flag syntax back into a channel:
//
//	-L 8080:10.0.0.5:80 [name]
//	-R 0.0.0.0:9000:localhost:22 [name]
//	-D 1080 [name]
//
// The flag may also be written as L, LOCAL and so on. Without a name the
// channel is called "<type>-<listenPort>".
func parseForwardSpec(input string) (model.ForwardType, model.ChannelSpec, error) {
	parts := strings.Fields(input)
	if len(parts) < 2 {
		return "", model.ChannelSpec{}, fmt.Errorf("expected a forward type and an address")
	}
	t, err := model.ParseForwardType(parts[0])
	if err != nil {
		return "", model.ChannelSpec{}, err
	}
	addr := strings.Split(parts[1], ":")
	num := func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%q is not a port", s)
		}
		return n, nil
	}

	var spec model.ChannelSpec
	switch {
	case t == model.ForwardLocal && len(addr) == 3:
		if spec.ListenPort, err = num(addr[0]); err != nil {
			return "", spec, err
		}
		spec.EndpointHost = addr[1]
		if spec.EndpointPort, err = num(addr[2]); err != nil {
			return "", spec, err
		}
	case t == model.ForwardRemote && len(addr) == 4:
		spec.ListenHost = addr[0]
		if spec.ListenPort, err = num(addr[1]); err != nil {
			return "", spec, err
		}
		spec.EndpointHost = addr[2]
		if spec.EndpointPort, err = num(addr[3]); err != nil {
			return "", spec, err
		}
	case t == model.ForwardDynamic && len(addr) == 1:
		if spec.ListenPort, err = num(addr[0]); err != nil {
			return "", spec, err
		}
	default:
		return "", spec, fmt.Errorf("%s forward %q has the wrong shape", t, parts[1])
	}

	spec.Name = strings.ToLower(string(t)) + "-" + strconv.Itoa(spec.ListenPort)
	if len(parts) > 2 {
		spec.Name = strings.Join(parts[2:], " ")
	}
	return t, spec, nil
}
