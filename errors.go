package flashnbd

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning means the instance's mapper is present on this host.
	ErrAlreadyRunning = errors.New("instance already running")
	// ErrNotRunning means the instance's mapper is not present on this host.
	ErrNotRunning = errors.New("instance not running")
	// ErrImageMissing means the backing image file does not exist.
	ErrImageMissing = errors.New("backing image missing")
	// ErrNoBinding means no device allocation is recorded for the instance on this host.
	ErrNoBinding = errors.New("no device binding")
	// ErrDisabled means the instance is switched off for automated handling.
	ErrDisabled = errors.New("instance disabled")
	// ErrNotServed means the host is not among the hosts of the instance.
	ErrNotServed = errors.New("host does not serve instance")
	// ErrNoFreeDevice means every device slot of the host is in use.
	ErrNoFreeDevice = errors.New("no free nbd devices left")
)

// ExitNoFreeDevice is the exit status of the command line tool when device
// allocation is exhausted, so remote callers can tell it apart.
const ExitNoFreeDevice = 3

// ErrorKind classifies a failed migration phase.
type ErrorKind int

// Migration failure kinds
const (
	KindPrecondition ErrorKind = iota
	KindTool
	KindHypervisor
	KindRefused
	KindTimeout
	KindExhausted
	KindStore
)

var kinds = map[ErrorKind]string{
	KindPrecondition: "precondition",
	KindTool:         "tool",
	KindHypervisor:   "hypervisor",
	KindRefused:      "refused",
	KindTimeout:      "timeout",
	KindExhausted:    "exhausted",
	KindStore:        "store",
}

func (k ErrorKind) String() string {
	return kinds[k]
}

// PhaseError is the failure of one phase of a migration session.
type PhaseError struct {
	Phase Phase
	Kind  ErrorKind
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Phase, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func fail(p Phase, kind ErrorKind, err error) error {
	return &PhaseError{Phase: p, Kind: kind, Err: err}
}

// IsFatal reports whether err should stop repeated migration attempts:
// device exhaustion or a hypervisor failure.
func IsFatal(err error) bool {
	if errors.Is(err, ErrNoFreeDevice) {
		return true
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Kind == KindExhausted || pe.Kind == KindHypervisor
	}
	return false
}
