package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/ostm/internal/model"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFile_FirstValueWinsAndForwards(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config", `
Host app-1
  HostName 10.0.0.10
  LocalForward 8080 localhost:80
  RemoteForward 9000 db:5432 # inline comment
  DynamicForward 1080

Host app-*
  User wildcard
  Port 2200
  LocalForward 8080 elsewhere:81

Host *
  User default
`)
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := res.Lookup("APP-1")
	if !ok {
		t.Fatalf("alias not found in %+v", res.Hosts)
	}
	if h.HostName != "10.0.0.10" || h.User != "wildcard" || h.Port != 2200 {
		t.Fatalf("unexpected host parse: %+v", h)
	}

	local := h.Channels[model.ForwardLocal]["8080"]
	if local.EndpointHost != "localhost" || local.EndpointPort != 80 || local.Name != "app-1-local-8080" {
		t.Fatalf("first LocalForward should win: %+v", local)
	}
	remote := h.Channels[model.ForwardRemote]["9000"]
	if remote.ListenHost != "localhost" || remote.EndpointHost != "db" {
		t.Fatalf("unexpected remote forward: %+v", remote)
	}
	if _, ok := h.Channels[model.ForwardDynamic]["1080"]; !ok {
		t.Fatalf("dynamic forward missing: %+v", h.Channels)
	}
}

func TestParseFile_IncludeAndMalformed(t *testing.T) {
	d := t.TempDir()
	writeConfig(t, d, "inc.conf", "Host db\n  HostName 10.1.1.1\n  LocalForward nope\n")
	root := writeConfig(t, d, "config", "Include inc.conf\nBadLine\nHost api\n  HostName api.internal\n")

	res, err := ParseFile(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 2 {
		t.Fatalf("expected 2 hosts from include+root, got %d", len(res.Hosts))
	}
	if db, _ := res.Lookup("db"); db.Port != 22 || db.Channels.Count() != 0 {
		t.Fatalf("unexpected db host: %+v", db)
	}
	if len(res.Warnings) < 2 {
		t.Fatalf("expected warnings for the bad line and the bad forward, got %v", res.Warnings)
	}
}

func TestParseFile_MissingIsAWarning(t *testing.T) {
	res, err := ParseFile(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 0 || len(res.Warnings) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func sampleTunnel() model.TunnelConfig {
	return model.TunnelConfig{
		ID:         "alpha",
		RemoteUser: "ostm_user",
		RemoteHost: "10.0.0.1",
		SSHPort:    2222,
		SSHKeyPath: "/keys/alpha",
		SSHOptions: map[string]string{"ServerAliveInterval": "30", "ExitOnForwardFailure": "yes"},
		Bandwidth:  &model.Bandwidth{Up: 10, Down: 20},
		Channels: model.ChannelTable{
			model.ForwardDynamic: {"1080": {Name: "socks", ListenPort: 1080}},
			model.ForwardLocal:   {"8080": {Name: "web", ListenPort: 8080, EndpointHost: "10.0.0.5", EndpointPort: 80}},
			model.ForwardRemote:  {"9000": {Name: "back", ListenPort: 9000, ListenHost: "0.0.0.0", EndpointHost: "localhost", EndpointPort: 22}},
		},
	}
}

func TestFormatHostBlock(t *testing.T) {
	got := FormatHostBlock(sampleTunnel())
	want := "Host ostm-alpha\n" +
		"  HostName 10.0.0.1\n" +
		"  User ostm_user\n" +
		"  Port 2222\n" +
		"  IdentityFile /keys/alpha\n" +
		"  IdentitiesOnly yes\n" +
		"  ExitOnForwardFailure yes\n" +
		"  ServerAliveInterval 30\n" +
		"  LocalForward 8080 10.0.0.5:80\n" +
		"  RemoteForward 0.0.0.0:9000 localhost:22\n" +
		"  DynamicForward 1080\n"
	if got != want {
		t.Fatalf("block mismatch\nwant=%q\n got=%q", want, got)
	}
}

func TestExportRoundTripsThroughParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ssh_config")
	beta := model.TunnelConfig{ID: "beta", RemoteUser: "u", RemoteHost: "h", SSHPort: 22, Channels: model.ChannelTable{}}
	if err := Export(path, []model.TunnelConfig{beta, sampleTunnel()}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Index(string(b), "Host ostm-alpha") > strings.Index(string(b), "Host ostm-beta") {
		t.Fatalf("hosts not sorted by id:\n%s", b)
	}
	if strings.Contains(string(b), "Port 22\n") {
		t.Fatalf("default port should be omitted:\n%s", b)
	}

	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := res.Lookup("ostm-alpha")
	if !ok || h.Port != 2222 || h.Channels.Count() != 3 {
		t.Fatalf("unexpected parse of export: %+v", h)
	}
}
