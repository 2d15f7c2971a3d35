package hardware

import (
	"errors"
	"fmt"
)

// ErrModuleNotReady is returned for any action other than the module-id
// request issued before the controller has reported its module id.
var ErrModuleNotReady = errors.New("hardware: module id not available")

// CommandError reports a failed actuator call.
type CommandError struct {
	Action Action
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hardware: %s failed: %v", e.Action, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
