package models

import "errors"

// Error kinds shared by the supervisor and the capture pipeline. Callers
// match them with errors.Is; the concrete error carries the reason.
var (
	ErrSourceUnavailable     = errors.New("source unavailable")
	ErrSourceTimeout         = errors.New("source did not become ready in time")
	ErrSourceUnhealthy       = errors.New("source unhealthy")
	ErrDecodeFailure         = errors.New("frame decode failure")
	ErrPersistenceFailure    = errors.New("persistence failure")
	ErrCancellationRequested = errors.New("cancellation requested")
)
