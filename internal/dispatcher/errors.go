package dispatcher

import "errors"

var (
	// ErrAlreadyRegistered is returned when a task type name is taken.
	ErrAlreadyRegistered = errors.New("task type already registered")

	// ErrUnknownTaskType is returned for operations on an unregistered name,
	// including every operation after Dispose.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInitializationFailed is returned when a context fails to start or
	// its init handshake reports an error.
	ErrInitializationFailed = errors.New("initialization failed")

	// ErrProtocolViolation fails the in-flight item of a session that broke
	// the handshake or answered for a work item it did not own.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrExecutionFailed is returned when the worker reports an error
	// instead of a completion.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrCancelled resolves every queued and in-flight item at Dispose.
	ErrCancelled = errors.New("cancelled")

	// ErrDisposed is returned by RegisterTask after Dispose.
	ErrDisposed = errors.New("dispatcher disposed")
)
