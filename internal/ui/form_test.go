package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/treykane/ostm/internal/model"
)

func TestParseForwardSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    model.ForwardType
		wantCh  model.ChannelSpec
		wantErr bool
	}{
		{
			name:   "local with name",
			input:  "-L 8080:10.0.0.5:80 web",
			want:   model.ForwardLocal,
			wantCh: model.ChannelSpec{Name: "web", ListenPort: 8080, EndpointHost: "10.0.0.5", EndpointPort: 80},
		},
		{
			name:   "remote without name",
			input:  "R 0.0.0.0:9000:localhost:22",
			want:   model.ForwardRemote,
			wantCh: model.ChannelSpec{Name: "remote-9000", ListenHost: "0.0.0.0", ListenPort: 9000, EndpointHost: "localhost", EndpointPort: 22},
		},
		{
			name:   "dynamic with multi-word name",
			input:  "  dynamic 1080 socks proxy ",
			want:   model.ForwardDynamic,
			wantCh: model.ChannelSpec{Name: "socks proxy", ListenPort: 1080},
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: true,
		},
		{
			name:    "unknown type",
			input:   "-X 1:2:3",
			wantErr: true,
		},
		{
			name:    "local with remote shape",
			input:   "-L 0.0.0.0:9000:localhost:22",
			wantErr: true,
		},
		{
			name:    "port not a number",
			input:   "-D socks",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, ch, err := parseForwardSpec(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if typ != tt.want {
				t.Errorf("type: want %s, got %s", tt.want, typ)
			}
			if ch != tt.wantCh {
				t.Errorf("channel: want %+v, got %+v", tt.wantCh, ch)
			}
		})
	}
}

func typeInto(f *channelForm, s string) {
	for _, r := range s {
		f.update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
}

func TestQuickFormValidatesBeforeReturning(t *testing.T) {
	f := newChannelForm("alpha")
	f.update(tea.KeyMsg{Type: tea.KeyEnter})
	if f.mode != formModeQuick {
		t.Fatalf("expected quick mode, got %d", f.mode)
	}

	typeInto(f, "-R 9000:localhost:22")
	if res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter}); res != nil || f.errMsg == "" {
		t.Fatal("REMOTE forward without bind host must not validate")
	}
}

func TestFullFormBuildsChannel(t *testing.T) {
	f := newChannelForm("alpha")
	f.update(tea.KeyMsg{Type: tea.KeyDown})
	f.update(tea.KeyMsg{Type: tea.KeyEnter})
	if f.mode != formModeFull {
		t.Fatalf("expected full mode, got %d", f.mode)
	}
	f.fields[fieldType].SetValue("local")
	f.fields[fieldName].SetValue("db")
	f.fields[fieldListenPort].SetValue("5432")
	f.fields[fieldListenHost].SetValue("ignored")
	f.fields[fieldEndpointHost].SetValue("10.0.0.9")
	f.fields[fieldEndpointPort].SetValue("5432")

	res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter})
	if res == nil {
		t.Fatalf("expected a result, got error %q", f.errMsg)
	}
	if res.forward != model.ForwardLocal || res.spec.ListenHost != "" || res.spec.EndpointPort != 5432 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
