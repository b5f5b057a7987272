package session

import (
	"errors"
	"fmt"
	"regexp"
)

// maxSocketPath is the smallest sun_path limit among supported platforms
// (macOS), minus the terminating NUL.
const maxSocketPath = 103

// ErrInvalidName is wrapped by every ValidateName failure.
var ErrInvalidName = errors.New("invalid session name")

// A leading hyphen would read as a flag on the spherectl command line.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName checks that name can be used as a directory under
// $SPHERE_HOME/sessions and that the daemon socket inside it stays within
// the Unix socket path limit.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", ErrInvalidName, name)
	}
	if p := SocketPath(name); len(p) > maxSocketPath {
		return fmt.Errorf("%w %q: socket path %s is %d bytes, limit is %d; shorten the name or SPHERE_HOME",
			ErrInvalidName, name, p, len(p), maxSocketPath)
	}
	return nil
}
