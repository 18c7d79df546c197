package ui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/treykane/ostm/internal/forward"
	"github.com/treykane/ostm/internal/model"
)

type fakeEditor struct {
	added []model.ChannelSpec
}

func (f *fakeEditor) AddChannel(_ context.Context, id string, t model.ForwardType, spec model.ChannelSpec) (forward.Result, error) {
	f.added = append(f.added, spec)
	return forward.Result{
		Tunnel:      model.TunnelResult{ID: id, Success: true, Status: model.TunnelRunning, Message: "channel added; restart required"},
		Channels:    model.ChannelTable{t: {"8080": spec}},
		NeedRestart: true,
	}, nil
}

type fakeController struct {
	report model.StatusReport
	calls  []string
	err    error
}

func (f *fakeController) Status(context.Context, string) (model.StatusReport, error) {
	return f.report, nil
}

func (f *fakeController) Start(_ context.Context, id string) (model.TunnelResult, error) {
	f.calls = append(f.calls, "start "+id)
	return model.TunnelResult{ID: id, Success: f.err == nil, Status: model.TunnelRunning, PID: 4242, Message: "started"}, f.err
}

func (f *fakeController) Stop(_ context.Context, id string) (model.TunnelResult, error) {
	f.calls = append(f.calls, "stop "+id)
	return model.TunnelResult{ID: id, Success: true, Status: model.TunnelStopped, Message: "stopped"}, nil
}

func (f *fakeController) Restart(_ context.Context, id string) (model.TunnelResult, error) {
	f.calls = append(f.calls, "restart "+id)
	return model.TunnelResult{ID: id, Success: true, Status: model.TunnelRunning, PID: 4243, Message: "restarted"}, nil
}

func sampleReport() model.StatusReport {
	return model.StatusReport{
		Message: "2 configured, 1 running, 1 orphaned",
		Tunnels: []model.TunnelStatus{
			{ID: "alpha", State: model.TunnelRunning, PID: 4001, RemoteUser: "ostm_user", RemoteHost: "10.0.0.1", SSHPort: 22},
			{ID: "beta", State: model.TunnelStopped, RemoteUser: "ostm_user", RemoteHost: "10.0.0.2", SSHPort: 22},
			{State: model.TunnelOrphaned, PID: 4999, Command: "autossh -M 0 x@y"},
		},
	}
}

func loaded(t *testing.T, ctrl *fakeController) dashboardModel {
	t.Helper()
	m := newModel(ctrl, &fakeEditor{}, 0)
	next, _ := m.Update(m.fetch()())
	return next.(dashboardModel)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestReportPopulatesTable(t *testing.T) {
	m := loaded(t, &fakeController{report: sampleReport()})
	if len(m.filtered) != 3 || len(m.table.Rows()) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(m.filtered))
	}
	if m.table.Rows()[2][0] != "-" {
		t.Fatalf("orphan row should show a dash id, got %q", m.table.Rows()[2][0])
	}
	if !strings.Contains(m.View(), "1 orphaned") {
		t.Fatal("summary missing from view")
	}
}

func TestApplyFilterMatchesHostAndState(t *testing.T) {
	m := loaded(t, &fakeController{report: sampleReport()})
	m.filter = "10.0.0.2"
	m.applyFilter()
	if len(m.filtered) != 1 || m.filtered[0].ID != "beta" {
		t.Fatalf("unexpected filter result: %+v", m.filtered)
	}
	m.filter = "orphaned"
	m.applyFilter()
	if len(m.filtered) != 1 || m.filtered[0].PID != 4999 {
		t.Fatalf("unexpected filter result: %+v", m.filtered)
	}
}

func TestStartKeyRunsSelectedTunnel(t *testing.T) {
	ctrl := &fakeController{report: sampleReport()}
	m := loaded(t, ctrl)

	next, cmd := m.Update(key("s"))
	m = next.(dashboardModel)
	if cmd == nil || m.busy == "" {
		t.Fatal("expected an action command")
	}
	next, _ = m.Update(cmd())
	m = next.(dashboardModel)
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "start alpha" {
		t.Fatalf("unexpected calls: %v", ctrl.calls)
	}
	if m.busy != "" || !strings.Contains(m.status, "pid=4242") {
		t.Fatalf("unexpected status: %q", m.status)
	}
}

func TestRestartKeyIsUppercase(t *testing.T) {
	ctrl := &fakeController{report: sampleReport()}
	m := loaded(t, ctrl)
	_, cmd := m.Update(key("R"))
	if cmd == nil {
		t.Fatal("expected restart command")
	}
	cmd()
	if ctrl.calls[0] != "restart alpha" {
		t.Fatalf("unexpected calls: %v", ctrl.calls)
	}
}

func TestOrphanRowIsNotActionable(t *testing.T) {
	ctrl := &fakeController{report: sampleReport()}
	m := loaded(t, ctrl)
	m.table.SetCursor(2)

	next, cmd := m.Update(key("x"))
	m = next.(dashboardModel)
	if cmd != nil || len(ctrl.calls) != 0 {
		t.Fatal("orphan rows must not trigger lifecycle actions")
	}
	if !strings.Contains(m.status, "configured tunnel") {
		t.Fatalf("unexpected status: %q", m.status)
	}
}

func TestActionErrorIsShown(t *testing.T) {
	ctrl := &fakeController{report: sampleReport(), err: errors.New("marker not created")}
	m := loaded(t, ctrl)
	_, cmd := m.Update(key("s"))
	next, _ := m.Update(cmd())
	m = next.(dashboardModel)
	if !strings.Contains(m.status, "failed: marker not created") {
		t.Fatalf("unexpected status: %q", m.status)
	}
}

func TestAddChannelFormSubmitsToEditor(t *testing.T) {
	ed := &fakeEditor{}
	m := newModel(&fakeController{report: sampleReport()}, ed, 0)
	next, _ := m.Update(m.fetch()())
	m = next.(dashboardModel)

	next, _ = m.Update(key("a"))
	m = next.(dashboardModel)
	if m.form == nil || m.form.tunnelID != "alpha" {
		t.Fatal("a should open the channel form for the selected tunnel")
	}
	if !strings.Contains(m.View(), "New Channel for alpha") {
		t.Fatal("form panel missing from view")
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter}) // quick mode
	m = next.(dashboardModel)
	for _, r := range "-L 8080:10.0.0.5:80 web" {
		next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(dashboardModel)
	}
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(dashboardModel)
	if m.form != nil || cmd == nil {
		t.Fatal("valid input should close the form and submit")
	}
	next, _ = m.Update(cmd())
	m = next.(dashboardModel)
	if len(ed.added) != 1 || ed.added[0].Name != "web" || ed.added[0].EndpointPort != 80 {
		t.Fatalf("unexpected edits: %+v", ed.added)
	}
	if !strings.Contains(m.status, "press R to restart alpha") {
		t.Fatalf("unexpected status: %q", m.status)
	}
}

func TestAddChannelFormEscCancels(t *testing.T) {
	m := loaded(t, &fakeController{report: sampleReport()})
	next, _ := m.Update(key("a"))
	m = next.(dashboardModel)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(dashboardModel)
	if m.form != nil {
		t.Fatal("esc should close the form")
	}
}
