package extension

import "errors"

// Sentinel errors shared across the runtime. Resource surfaces exposed
// to sandboxed code translate these into failure-shaped results; only
// the Go-facing APIs return them directly.
var (
	ErrNotFound         = errors.New("extension not found")
	ErrCapacity         = errors.New("extension capacity reached")
	ErrDisabled         = errors.New("extension is disabled")
	ErrNotActive        = errors.New("extension is not active")
	ErrNotSupported     = errors.New("extension does not support this capability")
	ErrPermissionDenied = errors.New("permission denied")
	ErrDomainBlocked    = errors.New("domain not in extension allowlist")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
)
