package magg

import "errors"

// Common domain errors used across magg subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrValidation indicates a malformed configuration, kit file, or
	// request parameter. Wrapping errors provide the offending field.
	ErrValidation = errors.New("validation error")

	// ErrTransport indicates a transport-level failure: process spawn
	// failed, stdio pipe died, HTTP connection refused or reset.
	ErrTransport = errors.New("transport error")

	// ErrProtocol indicates a downstream MCP server sent an unparseable
	// or unexpected message.
	ErrProtocol = errors.New("protocol error")

	// ErrCollision indicates two enabled backends claim the same
	// aggregated name.
	ErrCollision = errors.New("aggregated name collision")

	// ErrNotFound indicates an unknown server, capability, kit, or resource.
	ErrNotFound = errors.New("not found")

	// ErrCancelled indicates the request was cancelled by the client or
	// by shutdown. Context cancellation wraps this error.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout indicates a bounded operation exceeded its budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrAuth indicates a missing, malformed, expired, or wrong-audience
	// bearer token.
	ErrAuth = errors.New("authentication failed")

	// ErrReadOnly indicates a mutating operation was attempted while the
	// configuration store is in read-only mode.
	ErrReadOnly = errors.New("configuration is read-only")

	// ErrBackendGone indicates a request raced with a reconfigure that
	// removed the target backend.
	ErrBackendGone = errors.New("backend gone")
)
