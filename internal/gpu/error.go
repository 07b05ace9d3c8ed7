package gpu

import (
	"github.com/pkg/errors"
)

// ErrNotAvailable is returned when a driver is requested that this binary
// was not built with, or when no device is present.
var ErrNotAvailable = errors.New("device driver not available")

// statusError converts a native status code into a Go error with a stack trace
// (see github.com/pkg/errors). A zero code is success and yields nil.
func statusError(library string, code int, msg string) error {
	if code == 0 {
		return nil
	}
	return errors.Errorf("%s error (code=%d): %s", library, code, msg)
}
