// Package sshclient builds and launches the external tunnel command.
//
// This package does NOT implement the SSH protocol. A tunnel is an autossh
// process (which in turn supervises the system ssh binary) wrapped in trickle
// for bandwidth shaping:
//
//	trickle -s -u <up> -d <down> autossh -M 0 -f -N -i <key> -p <port> \
//	    -L 8080:10.0.0.5:80 -R 0.0.0.0:9000:localhost:22 -D 1080 \
//	    -o Compression=yes user@host
//
// autossh's own monitoring port is disabled (-M 0); liveness is tracked by the
// registry instead. -f makes autossh daemonize after writing AUTOSSH_PIDFILE.
//
// All arguments are passed via exec argv, never through a shell.
package sshclient

import (
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/treykane/ostm/internal/model"
)

// Binaries names the wrapper and launcher executables.
type Binaries struct {
	Trickle string
	Autossh string
}

// DefaultBinaries resolves both tools from PATH.
func DefaultBinaries() Binaries {
	return Binaries{Trickle: "trickle", Autossh: "autossh"}
}

// Command is an executable plus its arguments.
type Command struct {
	Path string
	Args []string
}

// Argv returns the full argument vector including the executable.
func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

// String renders the command for display and logs.
func (c Command) String() string {
	parts := c.Argv()
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, " \t\"'\\$") {
			parts[i] = strconv.Quote(p)
		}
	}
	return strings.Join(parts, " ")
}

// BuildTunnelCommand derives the launch command for cfg. It is a pure
// function: the same config always yields the same argv, with channels
// ordered by type then port and ssh options ordered by name.
func BuildTunnelCommand(cfg model.TunnelConfig, bin Binaries) (Command, error) {
	if cfg.Bandwidth == nil {
		return Command{}, errors.NotValidf("tunnel %q without bandwidth", cfg.ID)
	}
	if cfg.Channels == nil {
		return Command{}, errors.NotValidf("tunnel %q without channel table", cfg.ID)
	}
	if err := cfg.Validate(); err != nil {
		return Command{}, err
	}
	if bin.Trickle == "" || bin.Autossh == "" {
		bin = DefaultBinaries()
	}

	args := []string{
		"-s",
		"-u", strconv.Itoa(cfg.Bandwidth.Up),
		"-d", strconv.Itoa(cfg.Bandwidth.Down),
		bin.Autossh,
		"-M", "0",
		"-f",
		"-N",
		"-i", cfg.SSHKeyPath,
		"-p", strconv.Itoa(cfg.SSHPort),
	}
	for _, ch := range cfg.Channels.Sorted() {
		args = append(args, ch.Type.Flag(), ch.ForwardArg(ch.Type))
	}

	names := make([]string, 0, len(cfg.SSHOptions))
	for name := range cfg.SSHOptions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "-o", name+"="+cfg.SSHOptions[name])
	}

	args = append(args, cfg.Target())
	return Command{Path: bin.Trickle, Args: args}, nil
}
