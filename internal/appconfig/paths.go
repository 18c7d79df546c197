package appconfig

import (
	"os"
	"path/filepath"
)

// Layout resolves the data directories under Config.DataDir.
type Layout struct {
	Root string
}

// Layout returns the directory layout for this configuration.
func (c Config) Layout() Layout {
	return Layout{Root: c.DataDir}
}

// TunnelsDir holds one <id>.json document per tunnel.
func (l Layout) TunnelsDir() string { return filepath.Join(l.Root, "tunnels") }

// PIDDir holds one <id>.pid marker per launched tunnel.
func (l Layout) PIDDir() string { return filepath.Join(l.Root, "pid") }

// KeysDir holds the private/public key pair of each paired tunnel.
func (l Layout) KeysDir() string { return filepath.Join(l.Root, "keys") }

// EventsFile is the JSONL lifecycle journal.
func (l Layout) EventsFile() string { return filepath.Join(l.Root, "events.jsonl") }

// Ensure creates every directory of the layout with owner-only permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Root, l.TunnelsDir(), l.PIDDir(), l.KeysDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// SSHConfigFile is the exported ssh_config fragment, meant to be pulled in
// with an Include directive.
func (l Layout) SSHConfigFile() string { return filepath.Join(l.Root, "ssh_config") }
