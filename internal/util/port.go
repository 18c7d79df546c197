package util

import "github.com/juju/errors"

const maxPort = 1<<16 - 1

// ValidatePort rejects anything a listener or ssh -p could not use. Port 0
// ("pick one") is rejected too: channels are keyed by their listen port.
func ValidatePort(port int) error {
	if port <= 0 || port > maxPort {
		return errors.NotValidf("port %d outside 1-%d", port, maxPort)
	}
	return nil
}
