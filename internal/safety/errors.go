package safety

import "errors"

var (
	ErrInvalidSubsystem       = errors.New("safety: invalid subsystem id")
	ErrInvalidCapabilityLevel = errors.New("safety: invalid capability level")
	ErrEstopCapabilityFixed   = errors.New("safety: E-Stop capability cannot be changed")
	ErrInvalidGate            = errors.New("safety: invalid gate id")
	ErrEstopNotBypassable     = errors.New("safety: E-Stop gate cannot be bypassed")
)
