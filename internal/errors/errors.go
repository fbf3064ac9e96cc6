package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrInvalidInput - caller supplied a malformed argument (missing id, bad mime type)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - referenced conversation, exchange or attachment does not exist
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied - server rejected credentials (401/403)
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict - request collides with live state (second session with different options)
	ErrConflict = errors.New("conflict")

	// ErrTransient - network or server hiccup; caller may retry with its own policy
	ErrTransient = errors.New("transient error")

	// ErrInternal - unexpected failure inside the client
	ErrInternal = errors.New("internal error")
)

// Session layer sentinels
var (
	// ErrNotConnected - operation needs a live transport connection
	ErrNotConnected = errors.New("not connected")

	// ErrSessionEnded - session was ended locally, by the server, or by connection loss
	ErrSessionEnded = errors.New("session ended")

	// ErrSessionFailed - server answered session start with an error before acknowledging it
	ErrSessionFailed = errors.New("session failed to start")

	// ErrStreamClosed - exchange, message, content part or tool call no longer accepts events
	ErrStreamClosed = errors.New("stream closed")

	// ErrInterruptResolved - interrupt already carries a final decision
	ErrInterruptResolved = errors.New("interrupt already resolved")
)
