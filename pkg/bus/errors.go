package bus

import (
	"errors"
	"fmt"
)

// Bus errors. Callers test with errors.Is.
var (
	// ErrFailed is an unspecified permanent failure.
	ErrFailed = errors.New("failed")

	// ErrBusy means the target is occupied; retry later.
	ErrBusy = errors.New("busy")

	// ErrDuplicated means the name is already registered.
	ErrDuplicated = errors.New("duplicated")

	// ErrTooManyElements means a fixed-capacity table is full.
	ErrTooManyElements = errors.New("too many elements")

	// ErrNotFound means the device, property or entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermission means a change was requested on a read-only property.
	ErrPermission = fmt.Errorf("%w: permission denied", ErrFailed)

	// ErrNotStarted means the bus is not running.
	ErrNotStarted = fmt.Errorf("%w: bus not started", ErrFailed)
)
