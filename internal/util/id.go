package util

import (
	"regexp"

	"github.com/juju/errors"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateID checks that a tunnel identifier is safe to use as a file name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.NotValidf("tunnel id %q (letters, digits, '-' and '_' only)", id)
	}
	return nil
}
