package bus

import "errors"

var (
	// ErrBusStopped is returned when publishing to a stopped bus.
	ErrBusStopped = errors.New("bus: stopped")
)
