package machine

import "errors"

var (
	ErrInvalidSession  = errors.New("machine: invalid or stale session")
	ErrInvalidState    = errors.New("machine: operation not valid in current state")
	ErrNotAllowed      = errors.New("machine: blocked by safety interlocks")
	ErrConditionActive = errors.New("machine: fault condition still active")
)
