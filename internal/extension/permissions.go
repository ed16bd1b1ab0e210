package extension

import (
	"log/slog"
	"sort"
	"sync"
)

// PermissionManager tracks which permissions each loaded extension has
// been granted. Grants happen at load time from the manifest; the gate
// is consulted on every resource call, so a revoke takes effect
// immediately even for an already-active extension.
type PermissionManager struct {
	mu     sync.RWMutex
	grants map[string]map[string]bool
	logger *slog.Logger
}

// NewPermissionManager returns an empty permission registry.
func NewPermissionManager(logger *slog.Logger) *PermissionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionManager{
		grants: make(map[string]map[string]bool),
		logger: logger.With("component", "permissions"),
	}
}

// Grant records the recognized subset of the requested permissions for
// an extension and returns the entries it dropped. Unknown permissions
// are never granted; they were already reported as manifest warnings.
func (pm *PermissionManager) Grant(extID string, requested []string) (dropped []string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	granted := make(map[string]bool, len(requested))
	for _, p := range requested {
		if IsRecognizedPermission(p) {
			granted[p] = true
		} else {
			dropped = append(dropped, p)
		}
	}
	pm.grants[extID] = granted

	pm.logger.Info("permissions granted",
		"extension", extID, "granted", len(granted), "dropped", len(dropped))
	return dropped
}

// Revoke removes specific permissions, or every permission when called
// with none. Revoking an unknown extension is a no-op.
func (pm *PermissionManager) Revoke(extID string, perms ...string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if len(perms) == 0 {
		delete(pm.grants, extID)
		pm.logger.Info("all permissions revoked", "extension", extID)
		return
	}
	granted, ok := pm.grants[extID]
	if !ok {
		return
	}
	for _, p := range perms {
		delete(granted, p)
	}
	pm.logger.Info("permissions revoked", "extension", extID, "revoked", perms)
}

// Has reports whether the extension holds a specific permission.
func (pm *PermissionManager) Has(extID, perm string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.grants[extID][perm]
}

// CanNetwork reports whether outbound HTTP is permitted.
func (pm *PermissionManager) CanNetwork(extID string) bool {
	return pm.Has(extID, PermNetworkHTTP)
}

// CanStorage reports whether persistent storage is permitted.
func (pm *PermissionManager) CanStorage(extID string) bool {
	return pm.Has(extID, PermStorageLocal)
}

// CanNotify reports whether showing notifications is permitted.
func (pm *PermissionManager) CanNotify(extID string) bool {
	return pm.Has(extID, PermNotifications)
}

// Grants returns the sorted permissions currently held by an extension.
func (pm *PermissionManager) Grants(extID string) []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	granted := pm.grants[extID]
	out := make([]string, 0, len(granted))
	for p := range granted {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
