package worker

import "github.com/ppalechor/agrotic-telemetry/errors"

// Sentinel errors for worker pool operations
var (
	ErrPoolNotStarted     = errors.ErrNotStarted
	ErrPoolStopped        = errors.ErrShuttingDown
	ErrPoolAlreadyStarted = errors.ErrAlreadyStarted
	ErrQueueFull          = errors.ErrQueueFull

	ErrNilProcessor = errors.New("processor function cannot be nil")
	ErrStopTimeout  = errors.New("timeout waiting for workers to stop")
)
