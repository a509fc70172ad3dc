package relay

import "errors"

var (
	ErrInvalidChannel = errors.New("relay: channel out of range 1-8")
	ErrInvalidState   = errors.New("relay: invalid state value")
)
