package registry

import (
	stderrors "errors"
	"os"
	"strings"
	"syscall"

	"github.com/prometheus/procfs"
)

// Process is one entry of the OS process table.
type Process struct {
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// ProcessTable abstracts the OS calls the registry needs so tests can
// substitute a fake table.
type ProcessTable interface {
	// Exists reports whether a process with pid exists (signal 0).
	Exists(pid int) bool
	// CommandLine returns the space-joined argv of pid.
	CommandLine(pid int) (string, error)
	// List returns every process visible to the supervisor.
	List() ([]Process, error)
	// Terminate sends SIGTERM to pid.
	Terminate(pid int) error
}

// ErrNoProcess is returned by Terminate when the process is already gone.
var ErrNoProcess = stderrors.New("process already exited")

// ProcTable reads /proc through prometheus/procfs.
type ProcTable struct {
	fs procfs.FS
}

// NewProcTable opens the default /proc mount.
func NewProcTable() (*ProcTable, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcTable{fs: fs}, nil
}

// Exists implements ProcessTable.
func (t *ProcTable) Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else.
	return err == nil || stderrors.Is(err, syscall.EPERM)
}

// CommandLine implements ProcessTable.
func (t *ProcTable) CommandLine(pid int) (string, error) {
	p, err := t.fs.Proc(pid)
	if err != nil {
		return "", err
	}
	args, err := p.CmdLine()
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

// List implements ProcessTable. Processes that exit during the scan are skipped.
func (t *ProcTable) List() ([]Process, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		args, err := p.CmdLine()
		if err != nil || len(args) == 0 {
			continue
		}
		out = append(out, Process{PID: p.PID, Cmdline: strings.Join(args, " ")})
	}
	return out, nil
}

// Terminate implements ProcessTable.
func (t *ProcTable) Terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return ErrNoProcess
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if stderrors.Is(err, os.ErrProcessDone) || stderrors.Is(err, syscall.ESRCH) {
			return ErrNoProcess
		}
		return err
	}
	return nil
}
