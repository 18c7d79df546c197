package sshclient

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/security"
	"github.com/treykane/ostm/internal/util"
)

// PIDFileEnv is the variable autossh reads to learn where to write its pid.
const PIDFileEnv = "AUTOSSH_PIDFILE"

// Launcher starts a tunnel command detached from the supervisor.
type Launcher interface {
	Launch(ctx context.Context, cmd Command, env []string) error
}

// Client launches tunnel commands with os/exec.
//
// The command runs in its own session so it survives the supervisor. With
// autossh -f the wrapper returns almost immediately after daemonizing; a
// non-zero exit within the grace period is reported as a launch failure.
// If the wrapper is still running after the grace period it is considered
// detached and is reaped in the background.
type Client struct {
	Grace time.Duration
	// Required, when set, is checked with EnsureBinaries before each launch.
	Required Binaries
}

// New creates a launcher with the default grace period.
func New() *Client { return &Client{Grace: util.LaunchGrace} }

// EnsureBinaries checks that every executable needed to run a tunnel is on
// PATH (or is an existing absolute path).
func EnsureBinaries(bin Binaries) error {
	var missing []string
	for _, name := range []string{bin.Trickle, bin.Autossh, "ssh"} {
		if _, err := exec.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.NotFoundf("required binaries %s on PATH", strings.Join(missing, ", "))
	}
	return nil
}

// Launch starts cmd with env appended to the current environment.
func (c *Client) Launch(ctx context.Context, cmd Command, env []string) error {
	if c.Required != (Binaries{}) {
		if err := EnsureBinaries(c.Required); err != nil {
			return err
		}
	}
	proc := exec.Command(cmd.Path, cmd.Args...)
	proc.Env = append(os.Environ(), env...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc.Stdin = nil
	var stderr bytes.Buffer
	proc.Stdout = nil
	proc.Stderr = &stderr

	if err := proc.Start(); err != nil {
		return security.ProcessError(err, "launch %s", cmd.Path)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	grace := c.Grace
	if grace <= 0 {
		grace = util.LaunchGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail != "" {
				return security.ProcessError(err, "launch %s: %s", cmd.Path, detail)
			}
			return security.ProcessError(err, "launch %s", cmd.Path)
		}
		return nil
	case <-timer.C:
		slog.Debug("launcher still running after grace period, treating as detached", "pid", proc.Process.Pid)
		return nil
	case <-ctx.Done():
		slog.Debug("launch context cancelled, leaving process detached", "pid", proc.Process.Pid)
		return nil
	}
}
