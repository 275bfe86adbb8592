// Package profile resolves profile names and the on-disk layout of a profile.
package profile

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxNameLen bounds profile names so socket paths stay under the Unix limit.
const MaxNameLen = 64

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid profile name")

var nameChars = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName accepts lowercase letters, digits, '-' and '_', up to
// MaxNameLen characters.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: %d characters, at most %d allowed", ErrInvalidName, len(name), MaxNameLen)
	case !nameChars.MatchString(name):
		return fmt.Errorf("%w %q: use lowercase letters, digits, '-' or '_'", ErrInvalidName, name)
	}
	return nil
}
