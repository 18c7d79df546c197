// Package tunnel supervises autossh tunnel processes: start, stop, restart
// and status for one or all configured tunnels.
//
// Every operation that reads or writes the pid marker of a tunnel runs under
// a per-id lock, so two concurrent starts cannot both see "no marker" and
// launch twice, and a restart's stop always finishes before its start.
// Operations on different ids run in parallel.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/ostm/internal/events"
	"github.com/treykane/ostm/internal/metrics"
	"github.com/treykane/ostm/internal/model"
	"github.com/treykane/ostm/internal/registry"
	"github.com/treykane/ostm/internal/security"
	"github.com/treykane/ostm/internal/sshclient"
	"github.com/treykane/ostm/internal/util"
)

// ConfigStore is the subset of store.Store the supervisor needs.
type ConfigStore interface {
	Load(id string) (model.TunnelConfig, error)
	ListIDs() ([]string, error)
	Update(id string, fn func(cfg *model.TunnelConfig) error) (model.TunnelConfig, error)
}

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	Binaries       sshclient.Binaries
	MarkerAttempts int
	StopAttempts   int
	// AutoRestart restarts a running tunnel after its config changed. When
	// false the caller is only told a restart is needed.
	AutoRestart bool
	// RedactErrors strips key paths from per-tunnel messages.
	RedactErrors bool
	Journal      events.Recorder
	Metrics      *metrics.Collector
}

// Supervisor owns the tunnel state machine.
type Supervisor struct {
	store    ConfigStore
	reg      *registry.Registry
	launcher sshclient.Launcher
	opts     Options
	locks    *kmutex.Kmutex

	mu          sync.Mutex
	transitions map[string]transition
}

// transition is an in-flight lifecycle step. pid is the launcher being
// stopped, so status keeps claiming it after its marker is gone. cmdline is
// the launcher command line of a start whose marker is not written yet.
type transition struct {
	state   model.TunnelState
	pid     int
	cmdline string
}

// New creates a supervisor.
func New(store ConfigStore, reg *registry.Registry, launcher sshclient.Launcher, opts Options) *Supervisor {
	if opts.Binaries.Autossh == "" || opts.Binaries.Trickle == "" {
		opts.Binaries = sshclient.DefaultBinaries()
	}
	if opts.MarkerAttempts <= 0 {
		opts.MarkerAttempts = util.MarkerPollAttempts
	}
	if opts.StopAttempts <= 0 {
		opts.StopAttempts = util.StopPollAttempts
	}
	if opts.Journal == nil {
		opts.Journal = events.Discard{}
	}
	return &Supervisor{
		store:       store,
		reg:         reg,
		launcher:    launcher,
		opts:        opts,
		locks:       kmutex.New(),
		transitions: make(map[string]transition),
	}
}

// Registry returns the process registry used by the supervisor.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// IsRunning reports whether id has a valid, live marker.
func (s *Supervisor) IsRunning(id string) bool {
	_, ok := s.reg.Lookup(id)
	return ok
}

// Start launches the tunnel for id unless it is already running.
func (s *Supervisor) Start(ctx context.Context, id string) (model.TunnelResult, error) {
	if err := util.ValidateID(id); err != nil {
		return failed(id, errors.NewNotValid(err, ""), s.opts.RedactErrors), errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	res, err := s.start(ctx, id)
	s.opts.Metrics.ObserveOperation("start", res.Success)
	return res, err
}

// Stop terminates the tunnel for id. Stopping a stopped tunnel is not an
// error: the result has Success=false and status STOPPED.
func (s *Supervisor) Stop(ctx context.Context, id string) (model.TunnelResult, error) {
	if err := util.ValidateID(id); err != nil {
		return failed(id, errors.NewNotValid(err, ""), s.opts.RedactErrors), errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	res, err := s.stop(ctx, id)
	s.opts.Metrics.ObserveOperation("stop", res.Success)
	return res, err
}

// Restart stops id, waits for its marker and process to be gone and starts
// it again. It only succeeds when the new pid differs from the old one.
func (s *Supervisor) Restart(ctx context.Context, id string) (model.TunnelResult, error) {
	if err := util.ValidateID(id); err != nil {
		return failed(id, errors.NewNotValid(err, ""), s.opts.RedactErrors), errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	res, err := s.restart(ctx, id)
	s.opts.Metrics.ObserveOperation("restart", res.Success)
	return res, err
}

// StartAll starts every configured tunnel concurrently.
func (s *Supervisor) StartAll(ctx context.Context) (model.Summary, error) {
	ids, err := s.store.ListIDs()
	if err != nil {
		return model.Summary{}, err
	}
	if len(ids) == 0 {
		return model.Summary{}, errors.NotFoundf("configured tunnels")
	}
	return s.fanOut(ctx, "started", ids, s.Start), nil
}

// StopAll stops every tunnel that has a marker.
func (s *Supervisor) StopAll(ctx context.Context) (model.Summary, error) {
	ids, err := s.markedIDs()
	if err != nil {
		return model.Summary{}, err
	}
	if len(ids) == 0 {
		return model.Summary{}, errors.NotFoundf("running tunnels")
	}
	return s.fanOut(ctx, "stopped", ids, s.Stop), nil
}

// RestartAll restarts every tunnel that has a marker.
func (s *Supervisor) RestartAll(ctx context.Context) (model.Summary, error) {
	ids, err := s.markedIDs()
	if err != nil {
		return model.Summary{}, err
	}
	if len(ids) == 0 {
		return model.Summary{}, errors.NotFoundf("running tunnels")
	}
	return s.fanOut(ctx, "restarted", ids, s.Restart), nil
}

// Reconcile clears markers whose process is gone or was replaced by an
// unrelated one. It returns the ids it cleared.
func (s *Supervisor) Reconcile(ctx context.Context) ([]string, error) {
	ids, err := s.markedIDs()
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, id := range ids {
		if ctx.Err() != nil {
			return cleared, ctx.Err()
		}
		s.locks.Lock(id)
		if _, ok := s.reg.Lookup(id); !ok {
			if err := s.reg.Clear(id); err != nil {
				slog.Warn("failed to clear stale marker", "id", id, "error", err)
			} else {
				cleared = append(cleared, id)
				slog.Info("cleared stale marker", "id", id)
			}
		}
		s.locks.Unlock(id)
	}
	return cleared, nil
}

// SetBandwidth persists new rate caps for id and applies them.
func (s *Supervisor) SetBandwidth(ctx context.Context, id string, bw model.Bandwidth) (model.TunnelResult, bool, error) {
	if err := bw.Validate(); err != nil {
		return failed(id, err, s.opts.RedactErrors), false, err
	}
	if _, err := s.store.Update(id, func(cfg *model.TunnelConfig) error {
		cfg.Bandwidth = &model.Bandwidth{Up: bw.Up, Down: bw.Down}
		return nil
	}); err != nil {
		return failed(id, err, s.opts.RedactErrors), false, err
	}
	s.record(id, events.BandwidthChanged, "", 0, fmt.Sprintf("up=%d down=%d", bw.Up, bw.Down))
	return s.ApplyChange(ctx, id, "bandwidth updated")
}

// ApplyChange makes a running tunnel pick up a changed config. A stopped
// tunnel needs nothing. With AutoRestart disabled the result only reports
// that a restart is needed.
func (s *Supervisor) ApplyChange(ctx context.Context, id, what string) (model.TunnelResult, bool, error) {
	if err := util.ValidateID(id); err != nil {
		return failed(id, errors.NewNotValid(err, ""), s.opts.RedactErrors), false, errors.NewNotValid(err, "")
	}
	s.locks.Lock(id)
	defer s.locks.Unlock(id)
	rec, running := s.reg.Lookup(id)
	if !running {
		return model.TunnelResult{ID: id, Success: true, Status: model.TunnelStopped, Message: what}, false, nil
	}
	if !s.opts.AutoRestart {
		return model.TunnelResult{
			ID:      id,
			Success: true,
			Status:  model.TunnelRunning,
			PID:     rec.PID,
			Message: what + "; restart required",
		}, true, nil
	}
	res, err := s.restart(ctx, id)
	s.opts.Metrics.ObserveOperation("restart", res.Success)
	if err != nil {
		return res, false, err
	}
	res.Message = what + "; tunnel restarted"
	return res, false, nil
}

// Status reports every configured tunnel and every orphaned launcher
// process. A non-empty id restricts the report to that tunnel.
func (s *Supervisor) Status(_ context.Context, id string) (model.StatusReport, error) {
	if id != "" {
		if err := util.ValidateID(id); err != nil {
			return model.StatusReport{}, errors.NewNotValid(err, "")
		}
	}
	ids, err := s.store.ListIDs()
	if err != nil {
		return model.StatusReport{}, err
	}

	// Snapshot before describing: a start finishing in between has then
	// written the marker its row is described from.
	launching := s.launchingCmdlines()
	rows := make([]model.TunnelStatus, len(ids))
	var g errgroup.Group
	for i, tid := range ids {
		g.Go(func() error {
			rows[i] = s.describe(tid)
			return nil
		})
	}
	_ = g.Wait()

	// A tunnel's pid is never an orphan, whatever state it is passing
	// through.
	claimed := make(map[int]bool)
	for _, row := range rows {
		if row.ID != "" && row.PID > 0 {
			claimed[row.PID] = true
		}
	}
	procs, err := s.reg.ListAllExternalProcesses()
	if err != nil {
		slog.Warn("failed to scan for orphaned tunnels", "error", err)
	}
	for _, p := range procs {
		if claimed[p.PID] || launching[p.Cmdline] {
			continue
		}
		rows = append(rows, model.TunnelStatus{
			State:   model.TunnelOrphaned,
			PID:     p.PID,
			Command: p.Cmdline,
			Message: "launcher process without a configured tunnel marker",
		})
	}

	if id != "" {
		var only []model.TunnelStatus
		for _, row := range rows {
			if row.ID == id {
				only = append(only, row)
			}
		}
		if len(only) == 0 {
			return model.StatusReport{}, errors.NotFoundf("tunnel %q", id)
		}
		rows = only
	}

	report := model.StatusReport{Tunnels: rows}
	for _, row := range rows {
		switch {
		case row.State == model.TunnelOrphaned:
			report.Orphaned++
		case row.ID != "":
			report.Configured++
			if row.State == model.TunnelRunning {
				report.Running++
			}
		}
	}
	report.Message = fmt.Sprintf("%d configured, %d running, %d orphaned",
		report.Configured, report.Running, report.Orphaned)
	if id == "" {
		s.opts.Metrics.SetCounts(report.Configured, report.Running, report.Orphaned)
	}
	return report, nil
}

func (s *Supervisor) describe(id string) model.TunnelStatus {
	row := model.TunnelStatus{ID: id, State: model.TunnelStopped}
	cfg, err := s.store.Load(id)
	if err != nil {
		row.State = model.TunnelError
		row.Message = security.UserMessage(err, s.opts.RedactErrors)
		return row
	}
	row.RemoteUser = cfg.RemoteUser
	row.RemoteHost = cfg.RemoteHost
	row.SSHPort = cfg.SSHPort
	row.Bandwidth = cfg.Bandwidth
	row.Channels = cfg.Channels
	if row.Channels == nil {
		row.Channels = model.ChannelTable{}
	}
	if rec, ok := s.reg.Lookup(id); ok {
		row.State = model.TunnelRunning
		row.PID = rec.PID
		if cmd, err := sshclient.BuildTunnelCommand(cfg, s.opts.Binaries); err == nil {
			row.Command = cmd.String()
		}
	}
	if tr, ok := s.transition(id); ok {
		row.State = tr.state
		if row.PID == 0 {
			row.PID = tr.pid
		}
	}
	return row
}

// start runs detached from ctx cancellation: once autossh is launched only
// the marker attempt budget may end the wait, otherwise the process would
// be left running without a marker.
func (s *Supervisor) start(ctx context.Context, id string) (model.TunnelResult, error) {
	ctx = context.WithoutCancel(ctx)
	s.setTransition(id, model.TunnelStarting, 0)
	defer s.clearTransition(id)
	s.record(id, events.StartRequested, model.TunnelStarting, 0, "")

	marker, rec, err := s.reg.RecordExpectedLaunch(id)
	if err != nil {
		return s.startFailed(id, err)
	}
	if rec != nil {
		slog.Debug("tunnel already running", "id", id, "pid", rec.PID)
		return model.TunnelResult{ID: id, Success: true, Status: model.TunnelRunning, PID: rec.PID, Message: "already running"}, nil
	}

	cfg, err := s.store.Load(id)
	if err != nil {
		return s.startFailed(id, err)
	}
	cmd, err := sshclient.BuildTunnelCommand(cfg, s.opts.Binaries)
	if err != nil {
		return s.startFailed(id, err)
	}
	s.mu.Lock()
	s.transitions[id] = transition{state: model.TunnelStarting, cmdline: launcherCmdline(cmd, s.reg.Signature())}
	s.mu.Unlock()

	began := time.Now()
	env := []string{sshclient.PIDFileEnv + "=" + marker.Path}
	if err := s.launcher.Launch(ctx, cmd, env); err != nil {
		s.clearQuietly(id)
		return s.startFailed(id, err)
	}

	pid, ok := s.reg.AwaitMarker(ctx, marker, s.opts.MarkerAttempts)
	if !ok {
		s.clearQuietly(id)
		res, err := s.startFailed(id, errors.Timeoutf("pid marker for %q", id))
		res.Message = "marker not created"
		res.Command = cmd.String()
		return res, err
	}
	if !s.reg.IsAlive(pid) {
		s.clearQuietly(id)
		res, err := s.startFailed(id, security.ProcessError(nil, "launcher pid %d exited right after start", pid))
		res.Command = cmd.String()
		return res, err
	}

	s.opts.Metrics.ObserveLaunch(time.Since(began))
	slog.Info("tunnel started", "id", id, "pid", pid)
	s.record(id, events.StartSucceeded, model.TunnelRunning, pid, "")
	return model.TunnelResult{
		ID:      id,
		Success: true,
		Status:  model.TunnelRunning,
		PID:     pid,
		Command: cmd.String(),
		Message: "started",
	}, nil
}

func (s *Supervisor) startFailed(id string, err error) (model.TunnelResult, error) {
	slog.Warn("tunnel start failed", "id", id, "error", security.DebugMessage(err))
	res := failed(id, err, s.opts.RedactErrors)
	s.record(id, events.StartFailed, model.TunnelError, 0, res.Message)
	return res, err
}

func (s *Supervisor) stop(_ context.Context, id string) (model.TunnelResult, error) {
	pid, err := s.reg.ReadMarker(id)
	if err != nil && !errors.Is(err, errors.NotFound) {
		// Unreadable marker: nothing can be signalled.
		s.clearQuietly(id)
	}
	if err != nil || !s.reg.IsAlive(pid) {
		if err == nil {
			s.clearQuietly(id)
		}
		return model.TunnelResult{ID: id, Success: false, Status: model.TunnelStopped, Message: "already stopped (not running)"}, nil
	}

	s.setTransition(id, model.TunnelStopping, pid)
	defer s.clearTransition(id)
	s.record(id, events.StopRequested, model.TunnelStopping, pid, "")

	sigErr := s.reg.Terminate(pid)
	clearErr := s.reg.Clear(id)

	if sigErr != nil && !errors.Is(sigErr, registry.ErrNoProcess) {
		err := security.ProcessError(sigErr, "signal pid %d", pid)
		slog.Warn("tunnel stop failed", "id", id, "pid", pid, "error", err)
		res := failed(id, err, s.opts.RedactErrors)
		res.PID = pid
		s.record(id, events.StopFailed, model.TunnelError, pid, res.Message)
		return res, err
	}
	if clearErr != nil {
		res := failed(id, clearErr, s.opts.RedactErrors)
		res.PID = pid
		s.record(id, events.StopFailed, model.TunnelError, pid, res.Message)
		return res, clearErr
	}

	slog.Info("tunnel stopped", "id", id, "pid", pid)
	s.record(id, events.StopSucceeded, model.TunnelStopped, pid, "")
	return model.TunnelResult{ID: id, Success: true, Status: model.TunnelStopped, PID: pid, Message: "stopped"}, nil
}

func (s *Supervisor) restart(ctx context.Context, id string) (model.TunnelResult, error) {
	ctx = context.WithoutCancel(ctx)
	stopped, err := s.stop(ctx, id)
	if err != nil {
		s.record(id, events.RestartFailed, model.TunnelError, stopped.PID, stopped.Message)
		return stopped, err
	}
	oldPID := stopped.PID

	s.setTransition(id, model.TunnelStopping, oldPID)
	defer s.clearTransition(id)
	if !s.reg.AwaitGone(ctx, id, oldPID, s.opts.StopAttempts) {
		err := security.ProcessError(nil, "previous process %d did not exit", oldPID)
		res := failed(id, err, s.opts.RedactErrors)
		res.OldPID = oldPID
		s.record(id, events.RestartFailed, model.TunnelError, oldPID, res.Message)
		return res, err
	}

	res, err := s.start(ctx, id)
	res.OldPID = oldPID
	if err != nil {
		s.record(id, events.RestartFailed, model.TunnelError, oldPID, res.Message)
		return res, err
	}
	if res.PID == 0 || res.PID == oldPID {
		err := security.ProcessError(nil, "restart kept pid %d", oldPID)
		res.Success = false
		res.Status = model.TunnelError
		res.Message = security.UserMessage(err, s.opts.RedactErrors)
		s.record(id, events.RestartFailed, model.TunnelError, res.PID, res.Message)
		return res, err
	}
	res.Message = "restarted"
	s.record(id, events.RestartSucceeded, model.TunnelRunning, res.PID, fmt.Sprintf("old pid %d", oldPID))
	return res, nil
}

// fanOut runs op for every id concurrently and joins before returning.
// Per-id errors are folded into the details; overall success is the AND of
// every result.
func (s *Supervisor) fanOut(ctx context.Context, verb string, ids []string, op func(context.Context, string) (model.TunnelResult, error)) model.Summary {
	details := make([]model.TunnelResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			details[i], _ = op(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, d := range details {
		if d.Success {
			ok++
		}
	}
	return model.Summary{
		Success: ok == len(details),
		Message: fmt.Sprintf("%s %d of %d %s", verb, ok, len(details), util.Plural(len(details), "tunnel", "tunnels")),
		Details: details,
	}
}

func (s *Supervisor) markedIDs() ([]string, error) {
	recs, err := s.reg.ListManaged()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.TunnelID)
	}
	return ids, nil
}

func (s *Supervisor) clearQuietly(id string) {
	if err := s.reg.Clear(id); err != nil {
		slog.Warn("failed to clear marker", "id", id, "error", err)
	}
}

func (s *Supervisor) setTransition(id string, st model.TunnelState, pid int) {
	s.mu.Lock()
	s.transitions[id] = transition{state: st, pid: pid}
	s.mu.Unlock()
}

func (s *Supervisor) clearTransition(id string) {
	s.mu.Lock()
	delete(s.transitions, id)
	s.mu.Unlock()
}

func (s *Supervisor) transition(id string) (transition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.transitions[id]
	return tr, ok
}

// launchingCmdlines returns the launcher command lines of starts still
// waiting for their marker.
func (s *Supervisor) launchingCmdlines() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, tr := range s.transitions {
		if tr.cmdline != "" {
			out[tr.cmdline] = true
		}
	}
	return out
}

// launcherCmdline is the command line the daemonized launcher shows in the
// process table: argv from the signature executable on, trickle having
// exec'd into it.
func launcherCmdline(cmd sshclient.Command, signature string) string {
	argv := cmd.Argv()
	for i, a := range argv {
		if filepath.Base(a) == signature {
			return strings.Join(argv[i:], " ")
		}
	}
	return strings.Join(argv, " ")
}

func (s *Supervisor) record(id, typ string, state model.TunnelState, pid int, msg string) {
	evt := events.Event{TunnelID: id, EventType: typ, State: state, PID: pid, Message: msg}
	if err := s.opts.Journal.Append(evt); err != nil {
		slog.Warn("failed to append tunnel event", "id", id, "event", typ, "error", err)
	}
}

func failed(id string, err error, redact bool) model.TunnelResult {
	return model.TunnelResult{
		ID:      id,
		Success: false,
		Status:  model.TunnelError,
		Message: security.UserMessage(err, redact),
	}
}
