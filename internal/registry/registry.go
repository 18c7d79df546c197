// Package registry maps tunnel ids to OS process ids through pid marker files.
//
// A marker is <dir>/<id>.pid containing only the pid as text. autossh writes
// it itself (AUTOSSH_PIDFILE) once it has daemonized. A marker alone is never
// trusted: a record is valid only when the pid exists and its command line
// carries the launcher signature, which rules out pid reuse by an unrelated
// process.
package registry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/security"
	"github.com/treykane/ostm/internal/util"
)

const markerExt = ".pid"

// Record ties a tunnel id to the pid found in its marker.
type Record struct {
	TunnelID string `json:"id"`
	PID      int    `json:"pid"`
}

// Marker is the location the launcher is told to write its pid to.
type Marker struct {
	TunnelID string
	Path     string
}

// Options configures a Registry.
type Options struct {
	// Signature is the executable name identifying launcher processes.
	Signature string
	// PollInterval is the sleep between two marker checks.
	PollInterval time.Duration
	// Clock drives polling; defaults to the wall clock.
	Clock clock.Clock
}

// Registry owns the marker directory.
type Registry struct {
	dir       string
	procs     ProcessTable
	signature string
	interval  time.Duration
	clock     clock.Clock
}

// New creates a registry over dir.
func New(dir string, procs ProcessTable, opts Options) *Registry {
	if opts.Signature == "" {
		opts.Signature = "autossh"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = util.MarkerPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Registry{
		dir:       dir,
		procs:     procs,
		signature: opts.Signature,
		interval:  opts.PollInterval,
		clock:     opts.Clock,
	}
}

// Signature returns the launcher signature.
func (r *Registry) Signature() string { return r.signature }

// MarkerPath returns the marker location for id.
func (r *Registry) MarkerPath(id string) string {
	return filepath.Join(r.dir, id+markerExt)
}

// RecordExpectedLaunch prepares the marker location for a new launch. If a
// valid record already exists it is returned and nothing changes; a stale
// marker is cleared.
func (r *Registry) RecordExpectedLaunch(id string) (Marker, *Record, error) {
	m := Marker{TunnelID: id, Path: r.MarkerPath(id)}
	if rec, ok := r.Lookup(id); ok {
		return m, &rec, nil
	}
	if err := r.Clear(id); err != nil {
		return m, nil, err
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return m, nil, security.IOError(err, "create pid dir")
	}
	return m, nil, nil
}

// AwaitMarker polls for the marker to appear with a readable pid. It checks
// at most attempts times, sleeping between checks, and returns false on
// timeout or cancellation.
func (r *Registry) AwaitMarker(ctx context.Context, m Marker, attempts int) (int, bool) {
	if attempts <= 0 {
		attempts = util.MarkerPollAttempts
	}
	for i := 0; i < attempts; i++ {
		if pid, err := readPID(m.Path); err == nil {
			return pid, true
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-r.clock.After(r.interval):
		case <-ctx.Done():
			return 0, false
		}
	}
	return 0, false
}

// AwaitGone polls until id has no marker and oldPID no longer passes the
// liveness check.
func (r *Registry) AwaitGone(ctx context.Context, id string, oldPID int, attempts int) bool {
	if attempts <= 0 {
		attempts = util.StopPollAttempts
	}
	for i := 0; i < attempts; i++ {
		_, err := os.Stat(r.MarkerPath(id))
		if os.IsNotExist(err) && (oldPID <= 0 || !r.IsAlive(oldPID)) {
			return true
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-r.clock.After(r.interval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// Write records pid in the marker for id.
func (r *Registry) Write(id string, pid int) error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return security.IOError(err, "create pid dir")
	}
	if err := renameio.WriteFile(r.MarkerPath(id), []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return security.IOError(err, "write marker %s", id)
	}
	return nil
}

// ReadMarker returns the raw pid stored for id without validating it.
func (r *Registry) ReadMarker(id string) (int, error) {
	pid, err := readPID(r.MarkerPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NotFoundf("marker for %q", id)
		}
		return 0, err
	}
	return pid, nil
}

// HasMarker reports whether a marker file exists for id.
func (r *Registry) HasMarker(id string) bool {
	_, err := os.Stat(r.MarkerPath(id))
	return err == nil
}

// Lookup returns the record for id if its marker points at a live launcher.
func (r *Registry) Lookup(id string) (Record, bool) {
	pid, err := r.ReadMarker(id)
	if err != nil {
		return Record{}, false
	}
	if !r.IsAlive(pid) {
		return Record{}, false
	}
	return Record{TunnelID: id, PID: pid}, true
}

// IsAlive checks that pid exists and that its command line carries the
// launcher signature.
func (r *Registry) IsAlive(pid int) bool {
	if pid <= 0 || !r.procs.Exists(pid) {
		return false
	}
	cmdline, err := r.procs.CommandLine(pid)
	if err != nil {
		slog.Debug("failed to read process command line", "pid", pid, "error", err)
		return false
	}
	if !MatchesSignature(cmdline, r.signature) {
		slog.Debug("process command line does not match launcher signature", "pid", pid, "cmdline", cmdline)
		return false
	}
	return true
}

// Terminate sends a graceful termination signal to pid. ErrNoProcess is
// returned when the process had already exited.
func (r *Registry) Terminate(pid int) error {
	return r.procs.Terminate(pid)
}

// Clear removes the marker for id. Missing markers are not an error.
func (r *Registry) Clear(id string) error {
	if err := os.Remove(r.MarkerPath(id)); err != nil && !os.IsNotExist(err) {
		return security.IOError(err, "remove marker %s", id)
	}
	return nil
}

// ListManaged returns the raw records of every marker, sorted by id.
// Unreadable markers are reported with pid 0.
func (r *Registry) ListManaged() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, security.IOError(err, "list markers")
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markerExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), markerExt)
		if util.ValidateID(id) != nil {
			continue
		}
		pid, _ := readPID(filepath.Join(r.dir, e.Name()))
		out = append(out, Record{TunnelID: id, PID: pid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TunnelID < out[j].TunnelID })
	return out, nil
}

// ListAllExternalProcesses scans the OS process table for launcher processes.
func (r *Registry) ListAllExternalProcesses() ([]Process, error) {
	procs, err := r.procs.List()
	if err != nil {
		return nil, security.ProcessError(err, "scan process table")
	}
	var out []Process
	for _, p := range procs {
		if MatchesSignature(p.Cmdline, r.signature) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// MatchesSignature reports whether cmdline belongs to a launcher process:
// either the executable itself is the signature, or the signature appears
// as an argument of a wrapper together with autossh's -M flag.
func MatchesSignature(cmdline, signature string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 || signature == "" {
		return false
	}
	if filepath.Base(fields[0]) == signature {
		return true
	}
	hasSig, hasMonitor := false, false
	for _, f := range fields[1:] {
		if filepath.Base(f) == signature {
			hasSig = true
		}
		if f == "-M" {
			hasMonitor = true
		}
	}
	return hasSig && hasMonitor
}

func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, errors.NotValidf("marker %s content %q", filepath.Base(path), strings.TrimSpace(string(b)))
	}
	return pid, nil
}
