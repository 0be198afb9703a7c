package provision

import "github.com/spin-stack/hvagent/internal/lifecycle"

// Errors returned by the orchestrator. Use errors.Is to check them; each
// also matches its containerd errdefs class.
var (
	ErrInvalidRequest    = lifecycle.ErrInvalidRequest
	ErrReservationFailed = lifecycle.ErrReservationFailed
	ErrHypercallFailed   = lifecycle.ErrHypercallFailed
	ErrHypercallTimeout  = lifecycle.ErrHypercallTimeout
	ErrMapFailed         = lifecycle.ErrMapFailed
	ErrSourceFault       = lifecycle.ErrSourceFault
	ErrAlreadyExists     = lifecycle.ErrAlreadyExists
	ErrNotFound          = lifecycle.ErrNotFound
	ErrInvalidID         = lifecycle.ErrInvalidID
)
