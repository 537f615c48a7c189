package control

import (
	"errors"
	"fmt"
)

// ErrBusy is returned, wrapped with the operation name, for commands that
// conflict with a running calibration.
var ErrBusy = errors.New("calibration in progress")

// ValidationError reports malformed command input. No state is changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
