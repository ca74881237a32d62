package maintenance

import "errors"

// Sentinel errors for maintenance runs.
var (
	// ErrOrphanRepair is returned when individual repairs of a cycle failed.
	// The remaining repairs were still applied.
	ErrOrphanRepair = errors.New("orphan repair failed")

	// ErrOwnerResolution marks an expired document whose owner could not be
	// loaded. The document is skipped until the next sweep.
	ErrOwnerResolution = errors.New("owner could not be resolved")

	// ErrRunInProgress is returned when a job is started while it is running.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrUnknownJob is returned when triggering a job that is not scheduled.
	ErrUnknownJob = errors.New("unknown job")
)
