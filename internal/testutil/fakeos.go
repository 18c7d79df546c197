// Package testutil provides fakes for the OS-facing pieces of the supervisor
// so lifecycle tests run without autossh, trickle or a real /proc.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/ostm/internal/registry"
	"github.com/treykane/ostm/internal/sshclient"
)

// ProcessTable is an in-memory registry.ProcessTable.
type ProcessTable struct {
	mu      sync.Mutex
	procs   map[int]string
	nextPID int
	// TerminateErr, when set, is returned by Terminate instead of killing.
	TerminateErr error
	// BeforeTerminate, when set, runs at the start of Terminate without the
	// table lock held, so a test can hold a stop in flight.
	BeforeTerminate func(pid int)
}

// NewProcessTable returns an empty table whose pids start at 4000.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{procs: map[int]string{}, nextPID: 4000}
}

// Spawn adds a process with cmdline and returns its pid.
func (t *ProcessTable) Spawn(cmdline string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPID++
	t.procs[t.nextPID] = cmdline
	return t.nextPID
}

// Kill removes pid as if the process had exited.
func (t *ProcessTable) Kill(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// Replace swaps the command line of pid, simulating pid reuse.
func (t *ProcessTable) Replace(pid int, cmdline string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs[pid] = cmdline
}

// Exists implements registry.ProcessTable.
func (t *ProcessTable) Exists(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.procs[pid]
	return ok
}

// CommandLine implements registry.ProcessTable.
func (t *ProcessTable) CommandLine(pid int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.procs[pid]
	if !ok {
		return "", os.ErrNotExist
	}
	return c, nil
}

// List implements registry.ProcessTable.
func (t *ProcessTable) List() ([]registry.Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]registry.Process, 0, len(t.procs))
	for pid, c := range t.procs {
		out = append(out, registry.Process{PID: pid, Cmdline: c})
	}
	return out, nil
}

// Terminate implements registry.ProcessTable.
func (t *ProcessTable) Terminate(pid int) error {
	if t.BeforeTerminate != nil {
		t.BeforeTerminate(pid)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.TerminateErr != nil {
		return t.TerminateErr
	}
	if _, ok := t.procs[pid]; !ok {
		return registry.ErrNoProcess
	}
	delete(t.procs, pid)
	return nil
}

// Launcher is a sshclient.Launcher that "daemonizes" into a ProcessTable and
// writes the pid marker the way autossh does.
type Launcher struct {
	Table *ProcessTable
	// Err, when set, fails every launch.
	Err error
	// SkipMarker launches the process but never writes the marker.
	SkipMarker bool
	// MarkerDelay writes the marker asynchronously after the delay, the way a
	// real autossh takes a moment to fork.
	MarkerDelay time.Duration

	launches atomic.Int32
	mu       sync.Mutex
	commands []string
}

// Launch implements sshclient.Launcher.
func (l *Launcher) Launch(_ context.Context, cmd sshclient.Command, env []string) error {
	l.launches.Add(1)
	l.mu.Lock()
	l.commands = append(l.commands, cmd.String())
	l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	args := cmd.Argv()
	for i, a := range args {
		if filepath.Base(a) == "autossh" {
			args = args[i:]
			break
		}
	}
	pid := l.Table.Spawn(strings.Join(args, " "))
	if l.SkipMarker {
		return nil
	}
	for _, kv := range env {
		if path, ok := strings.CutPrefix(kv, sshclient.PIDFileEnv+"="); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			if l.MarkerDelay > 0 {
				go func() {
					time.Sleep(l.MarkerDelay)
					_ = os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
				}()
				return nil
			}
			return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
		}
	}
	return nil
}

// Launches returns how many times Launch was called.
func (l *Launcher) Launches() int { return int(l.launches.Load()) }

// Commands returns the rendered commands passed to Launch, in call order.
func (l *Launcher) Commands() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.commands...)
}
