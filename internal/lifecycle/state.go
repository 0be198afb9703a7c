package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
)

// State is a step of one provisioning attempt.
type State int32

const (
	// StateIdle is the initial state; the request has only been validated.
	StateIdle State = iota

	// StateCpusReserving indicates host CPUs are being withdrawn.
	StateCpusReserving

	// StateHypercallPending indicates the create hypercall is in flight.
	StateHypercallPending

	// StateImagesLoading indicates images are being staged at hypervisor
	// assigned addresses.
	StateImagesLoading

	// StateRegistering indicates the VM record is being inserted.
	StateRegistering

	// StateCreated is terminal: the VM exists and owns its CPUs.
	StateCreated

	// StateRolledBack is terminal: every side effect has been undone.
	StateRolledBack
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCpusReserving:
		return "cpus_reserving"
	case StateHypercallPending:
		return "hypercall_pending"
	case StateImagesLoading:
		return "images_loading"
	case StateRegistering:
		return "registering"
	case StateCreated:
		return "created"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCreated || s == StateRolledBack
}

// Attempt tracks the state of a single provisioning attempt.
// Transitions are compare-and-swap so a step can never be entered twice.
type Attempt struct {
	state atomic.Int32

	mu      sync.Mutex
	history []State
}

// NewAttempt creates an attempt in the Idle state.
func NewAttempt() *Attempt {
	return &Attempt{history: []State{StateIdle}}
}

// State returns the current state.
func (a *Attempt) State() State {
	return State(a.state.Load())
}

// History returns every state visited, in order.
func (a *Attempt) History() []State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]State(nil), a.history...)
}

// Transition moves from the expected state to the next one.
//
// Valid transitions:
//   - Idle -> CpusReserving
//   - CpusReserving -> HypercallPending
//   - HypercallPending -> ImagesLoading
//   - ImagesLoading -> Registering
//   - Registering -> Created
//   - any non-terminal state after Idle -> RolledBack
func (a *Attempt) Transition(from, to State) error {
	if !isValidTransition(from, to) {
		return NewStateTransitionError(from.String(), to.String(), a.State().String())
	}
	if !a.state.CompareAndSwap(int32(from), int32(to)) {
		return NewStateTransitionError(from.String(), to.String(), a.State().String())
	}

	a.mu.Lock()
	a.history = append(a.history, to)
	a.mu.Unlock()

	log.L.WithField("from", from.String()).WithField("to", to.String()).Debug("provision state transition")
	return nil
}

// Advance transitions from the current state to to.
func (a *Attempt) Advance(to State) error {
	return a.Transition(a.State(), to)
}

// RollBack moves a non-terminal attempt to RolledBack and returns the
// state it was in. Calling it on a terminal attempt is a no-op.
func (a *Attempt) RollBack() State {
	for {
		cur := a.State()
		if cur.Terminal() || cur == StateIdle {
			return cur
		}
		if a.Transition(cur, StateRolledBack) == nil {
			return cur
		}
	}
}

func isValidTransition(from, to State) bool {
	switch to {
	case StateRolledBack:
		return from != StateIdle && !from.Terminal()
	case StateCpusReserving:
		return from == StateIdle
	case StateHypercallPending:
		return from == StateCpusReserving
	case StateImagesLoading:
		return from == StateHypercallPending
	case StateRegistering:
		return from == StateImagesLoading
	case StateCreated:
		return from == StateRegistering
	default:
		return false
	}
}
