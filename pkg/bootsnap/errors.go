package bootsnap

import (
	"gitlab.com/tozd/go/errors"
)

// ErrUsage is returned when the command line does not name both the process
// command and the monitor socket.
var ErrUsage = errors.New("usage: qemu-boot-snapshot [flags] <qemu command line> <monitor socket>")

// StageError records the state a run was in when it failed.
type StageError struct {
	State State
	Err   error
}

func (e *StageError) Error() string {
	return e.State.String() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// ConnectError is a failure to reach the monitor. The connection is made
// while the boot is in progress, so it carries no boot state.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "monitor: " + e.Err.Error() }

func (e *ConnectError) Unwrap() error { return e.Err }
