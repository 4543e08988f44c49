package fleetota

import "github.com/pkg/errors"

// Initiation-path errors are surfaced synchronously to the caller; match with
// errors.Is. Reconciliation-path errors are logged and retried, never
// propagated.
var (
	// ErrInvalidRequest rejects a deployment before any persistence: empty
	// target filter or a filter resolving to zero devices.
	ErrInvalidRequest = errors.New("invalid deployment request")

	// ErrNotFound marks an unknown artifact or deployment id.
	ErrNotFound = errors.New("not found")

	// ErrDispatchFailed means the command handler was unreachable or rejected
	// the request. The deployment row persists but was never delivered.
	ErrDispatchFailed = errors.New("command dispatch failed")
)
