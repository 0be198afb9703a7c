// Package lifecycle holds the provisioning error taxonomy, the per-attempt
// state machine and the rollback stack shared by the orchestrator and its
// collaborators.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors for provisioning failures. Each wraps a containerd errdefs
// class so transports can map them without knowing this package.
// Use errors.Is() to check for these error types.
var (
	// ErrInvalidRequest indicates malformed or out-of-range input, caught
	// before any side effect.
	ErrInvalidRequest = fmt.Errorf("invalid request: %w", errdefs.ErrInvalidArgument)

	// ErrReservationFailed indicates a CPU could not be withdrawn from the host.
	ErrReservationFailed = fmt.Errorf("cpu reservation failed: %w", errdefs.ErrUnavailable)

	// ErrHypercallFailed indicates the hypervisor returned a negative result.
	ErrHypercallFailed = fmt.Errorf("hypercall failed: %w", errdefs.ErrUnknown)

	// ErrHypercallTimeout indicates a hypercall did not return in time.
	// errdefs has no deadline sentinel; errdefs.IsDeadlineExceeded matches
	// context.DeadlineExceeded.
	ErrHypercallTimeout = fmt.Errorf("hypercall timed out: %w", context.DeadlineExceeded)

	// ErrMapFailed indicates a physical target region could not be mapped.
	// It is a resource-busy condition, not a data error.
	ErrMapFailed = fmt.Errorf("physical memory map failed: %w", errdefs.ErrUnavailable)

	// ErrSourceFault indicates the caller-supplied source range is not
	// fully accessible.
	ErrSourceFault = fmt.Errorf("source buffer fault: %w", errdefs.ErrInvalidArgument)

	// ErrAlreadyExists indicates a registry slot is already populated.
	ErrAlreadyExists = fmt.Errorf("vm record: %w", errdefs.ErrAlreadyExists)

	// ErrNotFound indicates a registry lookup found nothing.
	ErrNotFound = fmt.Errorf("vm record: %w", errdefs.ErrNotFound)

	// ErrInvalidID indicates a VM id outside the registry bound.
	ErrInvalidID = fmt.Errorf("invalid vm id: %w", errdefs.ErrOutOfRange)

	// ErrInvalidStateTransition indicates an invalid state machine transition was attempted.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ReservationError identifies the CPU whose hotplug operation failed.
// CPU is -1 when the failure is not tied to a single CPU (ledger or
// cpuset publication).
type ReservationError struct {
	CPU int
	Err error
}

func (e *ReservationError) Error() string {
	if e.CPU < 0 {
		return fmt.Sprintf("cpu reservation failed: %v", e.Err)
	}
	return fmt.Sprintf("cpu reservation failed at cpu %d: %v", e.CPU, e.Err)
}

func (e *ReservationError) Unwrap() error {
	return e.Err
}

func (e *ReservationError) Is(target error) bool {
	return target == ErrReservationFailed || errors.Is(ErrReservationFailed, target)
}

// NewReservationError creates a reservation error for cpu.
func NewReservationError(cpu int, err error) *ReservationError {
	return &ReservationError{CPU: cpu, Err: err}
}

// HypercallError carries the operation and the negative result code.
type HypercallError struct {
	Op   string
	Code int64
}

func (e *HypercallError) Error() string {
	return fmt.Sprintf("hypercall %s failed with code %d", e.Op, e.Code)
}

func (e *HypercallError) Is(target error) bool {
	return target == ErrHypercallFailed || errors.Is(ErrHypercallFailed, target)
}

// StageError identifies which image failed to load.
type StageError struct {
	Image string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s image: %v", e.Image, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StateTransitionError represents an invalid state transition attempt.
type StateTransitionError struct {
	From    string
	To      string
	Current string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s (current state: %s)", e.From, e.To, e.Current)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// NewStateTransitionError creates a new state transition error.
func NewStateTransitionError(from, to, current string) *StateTransitionError {
	return &StateTransitionError{From: from, To: to, Current: current}
}

// Invalidf formats an ErrInvalidRequest with detail.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidRequest)
}
