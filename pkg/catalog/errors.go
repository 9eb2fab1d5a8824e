package catalog

import "errors"

var (
	// ErrConfigInvalid indicates an unknown recurrence, a missing time-of-day,
	// a malformed cron expression, or an otherwise unusable configuration.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrConnectFailed indicates the database endpoint rejected the connection.
	ErrConnectFailed = errors.New("connection failed")

	// ErrQueryFailed indicates a driver-level error while executing a query.
	ErrQueryFailed = errors.New("query failed")

	// ErrQueryTimeout indicates the per-query deadline elapsed before the
	// driver returned. It is a distinct subkind of ErrQueryFailed.
	ErrQueryTimeout = errors.New("query timed out")

	// ErrAdapterFailed indicates a destination adapter reported failure.
	ErrAdapterFailed = errors.New("destination adapter failed")

	// ErrCancelled indicates a run terminated by operator request.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound indicates an unknown catalogue id.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate natural key or a deletion blocked by
	// an existing reference.
	ErrConflict = errors.New("conflict")
)
