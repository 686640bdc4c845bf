package fleet

import "errors"

// Error taxonomy. Callers match with errors.Is; implementations wrap these
// with context via fmt.Errorf("...: %w").
var (
	// ErrWorkerNotEligible means the worker is not active or is at capacity.
	// Callers should back off and poll again.
	ErrWorkerNotEligible = errors.New("worker not eligible for assignment")
	// ErrNotOwner means a worker tried to finalize a job it is not running.
	ErrNotOwner = errors.New("job is not owned by worker")
	// ErrAlreadyFinalized means the job already reached a terminal state.
	ErrAlreadyFinalized = errors.New("job already finalized")
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation failure")
	// ErrDiscovery means the geography collaborator could not supply children.
	ErrDiscovery = errors.New("geography discovery failed")
	// ErrStoreUnavailable marks transient persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition marks an operator action the job state does not allow.
	ErrInvalidTransition = errors.New("invalid job transition")
)
