// Package util provides common utility functions and constants used across
// ostm. It imports no other internal/* package so every layer can depend on it.
package util

import "time"

const (
	// MarkerPollInterval is the sleep between two checks for a pid marker.
	// autossh writes AUTOSSH_PIDFILE right after it daemonizes, which is
	// usually well under a second.
	MarkerPollInterval = 100 * time.Millisecond

	// MarkerPollAttempts caps the number of marker checks during a start.
	// With the default interval this gives a five second budget.
	MarkerPollAttempts = 50

	// StopPollAttempts caps the number of checks restart makes while waiting
	// for the previous process and its marker to go away.
	StopPollAttempts = 20

	// LaunchGrace is how long the launcher waits for the wrapper command to
	// return before treating it as detached.
	LaunchGrace = 2 * time.Second

	// ProbeTimeout bounds a single TCP reachability probe.
	ProbeTimeout = time.Second

	// DefaultRefreshSeconds is the dashboard refresh interval fallback.
	DefaultRefreshSeconds = 3

	// DefaultSSHPort is used when pairing without an explicit port.
	DefaultSSHPort = 22
)
