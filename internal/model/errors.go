package model

import "errors"

// Error taxonomy shared across the store, the evaluator and the worker pool.
// Callers discriminate with errors.Is; everything else wraps these sentinels
// with context via fmt.Errorf("...: %w", err).
var (
	// ErrCorruptHeader means a stored record's magic tag or format version
	// did not match. The record is treated as absent.
	ErrCorruptHeader = errors.New("corrupt record header")

	// ErrSizeMismatch means the payload on disk is shorter or longer than
	// the length declared in the header (typically a torn write).
	ErrSizeMismatch = errors.New("record size mismatch")

	// ErrChecksumMismatch means the payload failed CRC32 validation.
	ErrChecksumMismatch = errors.New("record checksum mismatch")

	// ErrCorruptRecord means a record decoded from a valid container was
	// truncated or internally inconsistent.
	ErrCorruptRecord = errors.New("corrupt record payload")

	// ErrNotFound means no record exists for the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict means a save presented a stale version; the caller
	// must re-read, re-apply its changes and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrLockTimeout means exclusive access to a record could not be
	// acquired within the bounded wait.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotCalibrated means a volume event cannot be converted to a run
	// duration because the actuator has no usable flow rate.
	ErrNotCalibrated = errors.New("actuator not calibrated")

	// ErrWorkerPoolExhausted means all dose worker slots are in use; the
	// dose is deferred to the next evaluator cycle, not dropped.
	ErrWorkerPoolExhausted = errors.New("dose worker pool exhausted")

	// ErrActuatorBusy means a dose worker already owns the actuator.
	ErrActuatorBusy = errors.New("actuator busy")
)
