package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/ostm/internal/appconfig"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/pairing"
	"github.com/treykane/ostm/internal/registry"
	"github.com/treykane/ostm/internal/sshclient"
	"github.com/treykane/ostm/internal/testutil"
)

type stubProvisioner struct{}

func (stubProvisioner) Provision(context.Context, pairing.Target, string, []byte) (string, error) {
	return "SHA256:stub", nil
}

func (stubProvisioner) Deprovision(context.Context, pairing.Target, string) error { return nil }

// setupCLI isolates the config dir and replaces the OS-facing collaborators
// with fakes that persist across command invocations within one test.
func setupCLI(t *testing.T) *testutil.ProcessTable {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OSTM_SUPERVISOR_MARKER_POLL_MS", "1")

	table := testutil.NewProcessTable()
	fake := &testutil.Launcher{Table: table}
	origTable, origLauncher, origProv := procTable, launcher, provisioner
	procTable = func() (registry.ProcessTable, error) { return table, nil }
	launcher = func(sshclient.Binaries) sshclient.Launcher { return fake }
	provisioner = func(appconfig.Config) pairing.Provisioner { return stubProvisioner{} }

	origLogger := slog.Default()
	t.Cleanup(func() {
		procTable, launcher, provisioner = origTable, origLauncher, origProv
		slog.SetDefault(origLogger)
	})
	return table
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	return captureStdout(func() error { return cmd.Execute() })
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestTunnelLifecycleThroughCommands(t *testing.T) {
	setupCLI(t)

	out := mustRun(t, "pair", "alpha", "--host", "10.0.0.1", "--admin-password", "pw")
	if !strings.Contains(out, "paired alpha with ostm_user@10.0.0.1") {
		t.Fatalf("unexpected pair output: %s", out)
	}
	mustRun(t, "channel", "add", "alpha", "--name", "web", "--listen-port", "8080",
		"--endpoint-host", "10.0.0.5", "--endpoint-port", "80")

	out = mustRun(t, "tunnel", "start", "alpha", "--json")
	var res model.TunnelResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("start json: %v; output=%s", err, out)
	}
	if !res.Success || res.PID == 0 || !strings.Contains(res.Command, "-L 8080:10.0.0.5:80") {
		t.Fatalf("unexpected start result: %+v", res)
	}

	out = mustRun(t, "tunnel", "status", "--json")
	var rep model.StatusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("status json: %v; output=%s", err, out)
	}
	if rep.Running != 1 || rep.Configured != 1 {
		t.Fatalf("unexpected status: %s", out)
	}

	out = mustRun(t, "tunnel", "bandwidth", "alpha", "50", "60")
	if !strings.Contains(out, "restarted") {
		t.Fatalf("bandwidth change should restart the running tunnel: %s", out)
	}

	out = mustRun(t, "tunnel", "stop", "alpha")
	if !strings.Contains(out, "STOPPED") {
		t.Fatalf("unexpected stop output: %s", out)
	}
	out = mustRun(t, "tunnel", "stop", "alpha")
	if !strings.Contains(out, "already stopped") {
		t.Fatalf("second stop should report already stopped: %s", out)
	}

	mustRun(t, "unpair", "alpha")
	out = mustRun(t, "tunnel", "status")
	if !strings.Contains(out, "0 configured") {
		t.Fatalf("tunnel still listed after unpair: %s", out)
	}
}

func TestTunnelStartUnknownFails(t *testing.T) {
	setupCLI(t)
	_, err := run(t, "tunnel", "start", "ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestStartAllWithoutTunnels(t *testing.T) {
	setupCLI(t)
	if _, err := run(t, "tunnel", "start"); err == nil {
		t.Fatal("start without any configured tunnel should fail")
	}
}

func TestChannelAddRejectsBadType(t *testing.T) {
	setupCLI(t)
	mustRun(t, "pair", "alpha", "--host", "10.0.0.1")
	_, err := run(t, "channel", "add", "alpha", "--type", "SIDEWAYS", "--name", "x", "--listen-port", "1")
	if err == nil || !strings.Contains(err.Error(), "forward type") {
		t.Fatalf("expected forward type error, got %v", err)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupCLI(t)
	out := mustRun(t, "doctor", "--json")
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v", err)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
}

func TestEventsJSONOutput(t *testing.T) {
	setupCLI(t)
	mustRun(t, "pair", "alpha", "--host", "10.0.0.1")
	mustRun(t, "pair", "beta", "--host", "10.0.0.2")

	out := mustRun(t, "events", "--tunnel", "beta", "--json")
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("expected 1 event, got %d", len(payload))
	}
	if payload[0]["event_type"] != "paired" {
		t.Fatalf("unexpected event: %v", payload[0]["event_type"])
	}
}

func TestPairResolvesAliasAndImportsForwards(t *testing.T) {
	setupCLI(t)
	sshCfg := filepath.Join(t.TempDir(), "ssh_config")
	body := "Host edge\n  HostName 192.0.2.7\n  Port 2201\n  LocalForward 8080 10.0.0.5:80\n  DynamicForward 1080\n"
	if err := os.WriteFile(sshCfg, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, "pair", "edge", "--host", "edge", "--ssh-config", sshCfg)
	if !strings.Contains(out, "resolved alias edge to 192.0.2.7:2201") || !strings.Contains(out, "ostm_user@192.0.2.7") {
		t.Fatalf("unexpected pair output: %s", out)
	}

	out = mustRun(t, "channel", "import", "edge", "edge", "--ssh-config", sshCfg)
	if !strings.Contains(out, "imported 2 channels from edge") {
		t.Fatalf("unexpected import output: %s", out)
	}
	out = mustRun(t, "channel", "import", "edge", "edge", "--ssh-config", sshCfg)
	if !strings.Contains(out, "imported 0 channels") || !strings.Contains(out, "skipped") {
		t.Fatalf("second import should skip existing channels: %s", out)
	}

	out = mustRun(t, "ssh-config")
	for _, want := range []string{"Host ostm-edge", "Port 2201", "LocalForward 8080 10.0.0.5:80", "DynamicForward 1080"} {
		if !strings.Contains(out, want) {
			t.Fatalf("ssh-config output missing %q:\n%s", want, out)
		}
	}

	dest := filepath.Join(t.TempDir(), "exported")
	out = mustRun(t, "ssh-config", "--write", "--file", dest)
	if !strings.Contains(out, "wrote 1 host") {
		t.Fatalf("unexpected write output: %s", out)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatal(err)
	}
}

func TestChannelImportUnknownAlias(t *testing.T) {
	setupCLI(t)
	_, err := run(t, "channel", "import", "alpha", "nowhere", "--ssh-config", filepath.Join(t.TempDir(), "absent"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestSetupLoggingWritesRotatingFile(t *testing.T) {
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	path := filepath.Join(t.TempDir(), "ostm.log")
	closer := setupLogging(appconfig.LogConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	if closer == nil {
		t.Fatal("file logging should return a closer")
	}
	slog.Debug("hello", "id", "alpha")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(b, &line); err != nil {
		t.Fatalf("expected one json log line, got %q", b)
	}
	if line["msg"] != "hello" || line["id"] != "alpha" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	b, readErr := io.ReadAll(r)
	if readErr != nil {
		return "", readErr
	}
	return string(b), runErr
}
