package extension

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf16"

	"github.com/ayoto/extensions/internal/kvstore"
)

// DefaultStorageQuota is the per-extension storage allowance in bytes.
const DefaultStorageQuota = 5 << 20

// storageKeyPrefix namespaces every key an extension touches so one
// extension can never read or shadow another's data.
func storageKeyPrefix(extID string) string {
	return "ext:" + extID + ":"
}

// stringWeight is the quota cost of a string: two bytes per UTF-16 code
// unit, matching how webview storage engines account for strings. Both
// the key and the value count.
func stringWeight(s string) int {
	return len(utf16.Encode([]rune(s))) * 2
}

// StorageAPI is the per-extension persistent key-value surface. Usage
// is tracked against a quota; writes that would cross it are rejected
// with the usage numbers so the extension can react.
type StorageAPI struct {
	extID  string
	perms  *PermissionManager
	store  kvstore.Store
	quota  int
	logger *slog.Logger

	// mu serializes usage accounting around multi-step store operations.
	mu sync.Mutex
}

// NewStorageAPI builds the storage surface for one extension. A zero
// quota means DefaultStorageQuota.
func NewStorageAPI(extID string, perms *PermissionManager, store kvstore.Store, quota int, logger *slog.Logger) *StorageAPI {
	if quota <= 0 {
		quota = DefaultStorageQuota
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageAPI{
		extID:  extID,
		perms:  perms,
		store:  store,
		quota:  quota,
		logger: logger.With("component", "storage", "extension", extID),
	}
}

func (s *StorageAPI) key(name string) string {
	return storageKeyPrefix(s.extID) + name
}

// Usage sums the quota weight of every key-value pair the extension has
// stored.
func (s *StorageAPI) Usage(ctx context.Context) (int, error) {
	prefix := storageKeyPrefix(s.extID)
	keys, err := s.store.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list storage keys: %w", err)
	}
	total := 0
	for _, k := range keys {
		v, ok, err := s.store.Get(ctx, k)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", k, err)
		}
		if !ok {
			continue
		}
		total += stringWeight(k[len(prefix):]) + stringWeight(string(v))
	}
	return total, nil
}

// Get reads a value. The second result reports presence.
func (s *StorageAPI) Get(ctx context.Context, name string) (string, bool, error) {
	if !s.perms.CanStorage(s.extID) {
		return "", false, fmt.Errorf("%w: storage:local not granted", ErrPermissionDenied)
	}
	v, ok, err := s.store.Get(ctx, s.key(name))
	if err != nil {
		return "", false, fmt.Errorf("storage get %s: %w", name, err)
	}
	return string(v), ok, nil
}

// Set writes a value if it fits the quota. The quota check covers the
// delta against any existing value under the same key.
func (s *StorageAPI) Set(ctx context.Context, name, value string) error {
	if !s.perms.CanStorage(s.extID) {
		return fmt.Errorf("%w: storage:local not granted", ErrPermissionDenied)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	usage, err := s.Usage(ctx)
	if err != nil {
		return err
	}
	newWeight := stringWeight(name) + stringWeight(value)
	if old, ok, err := s.store.Get(ctx, s.key(name)); err == nil && ok {
		usage -= stringWeight(name) + stringWeight(string(old))
	}
	if usage+newWeight > s.quota {
		s.logger.Warn("storage quota exceeded",
			"key", name, "usage", usage, "write", newWeight, "quota", s.quota)
		return fmt.Errorf("%w: %d in use, write needs %d, quota %d",
			ErrQuotaExceeded, usage, newWeight, s.quota)
	}

	if err := s.store.Set(ctx, s.key(name), []byte(value)); err != nil {
		return fmt.Errorf("storage set %s: %w", name, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *StorageAPI) Delete(ctx context.Context, name string) error {
	if !s.perms.CanStorage(s.extID) {
		return fmt.Errorf("%w: storage:local not granted", ErrPermissionDenied)
	}
	if err := s.store.Delete(ctx, s.key(name)); err != nil {
		return fmt.Errorf("storage delete %s: %w", name, err)
	}
	return nil
}

// Keys lists the extension's key names, with the namespace prefix
// stripped.
func (s *StorageAPI) Keys(ctx context.Context) ([]string, error) {
	if !s.perms.CanStorage(s.extID) {
		return nil, fmt.Errorf("%w: storage:local not granted", ErrPermissionDenied)
	}
	prefix := storageKeyPrefix(s.extID)
	keys, err := s.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list storage keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(prefix):])
	}
	return out, nil
}

// Clear removes everything the extension has stored. Called on unload
// when the host wants a clean slate, and exposed to the extension.
func (s *StorageAPI) Clear(ctx context.Context) error {
	if !s.perms.CanStorage(s.extID) {
		return fmt.Errorf("%w: storage:local not granted", ErrPermissionDenied)
	}
	prefix := storageKeyPrefix(s.extID)
	keys, err := s.store.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list storage keys: %w", err)
	}
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("clear %s: %w", k, err)
		}
	}
	return nil
}
