package extension

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayoto/extensions/internal/kvstore"
)

func storageFixture(t *testing.T, quota int) (*StorageAPI, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	pm := NewPermissionManager(nil)
	pm.Grant("store-ext", []string{PermStorageLocal})
	return NewStorageAPI("store-ext", pm, store, quota, nil), store
}

func TestStorageRoundTrip(t *testing.T) {
	s, _ := storageFixture(t, 0)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "greeting", "hello"))
	v, ok, err := s.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", v)

	// Empty value and missing key stay distinguishable.
	require.NoError(t, s.Set(ctx, "empty", ""))
	v, ok, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)

	require.NoError(t, s.Delete(ctx, "greeting"))
	_, ok, err = s.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is fine.
	require.NoError(t, s.Delete(ctx, "greeting"))
}

func TestStringWeightIsUTF16(t *testing.T) {
	assert.Equal(t, 10, stringWeight("hello"))
	// BMP characters cost one code unit regardless of UTF-8 length.
	assert.Equal(t, 2, stringWeight("é"))
	assert.Equal(t, 2, stringWeight("日"))
	// Astral characters are surrogate pairs: two units, four bytes.
	assert.Equal(t, 4, stringWeight("😀"))
	assert.Equal(t, 0, stringWeight(""))
}

func TestStorageQuota(t *testing.T) {
	// Room for "k1"+"aaaa" (12 bytes) but not much more.
	s, _ := storageFixture(t, 20)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", "aaaa"))

	err := s.Set(ctx, "k2", "bbbbbb") // 4+12=16 over remaining 8
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// The failed write must not have consumed anything.
	usage, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, usage)

	// Overwriting accounts the delta, not the sum.
	require.NoError(t, s.Set(ctx, "k1", "cccc"))
	require.NoError(t, s.Set(ctx, "k1", "ccccplus")) // 2*2+8*2=20, exactly at quota
	err = s.Set(ctx, "k1", "ccccplus1")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestStorageNamespaceIsolation(t *testing.T) {
	store := kvstore.NewMemoryStore()
	pm := NewPermissionManager(nil)
	pm.Grant("ext-a", []string{PermStorageLocal})
	pm.Grant("ext-b", []string{PermStorageLocal})
	a := NewStorageAPI("ext-a", pm, store, 0, nil)
	b := NewStorageAPI("ext-b", pm, store, 0, nil)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "shared-name", "from-a"))
	require.NoError(t, b.Set(ctx, "shared-name", "from-b"))

	v, _, err := a.Get(ctx, "shared-name")
	require.NoError(t, err)
	assert.Equal(t, "from-a", v)

	keysA, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-name"}, keysA)

	// A's usage only counts A's data.
	usageA, err := a.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, stringWeight("shared-name")+stringWeight("from-a"), usageA)

	require.NoError(t, a.Clear(ctx))
	_, ok, err := a.Get(ctx, "shared-name")
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, err = b.Get(ctx, "shared-name")
	require.NoError(t, err)
	assert.Equal(t, "from-b", v, "clearing A must not touch B")
}

func TestStorageWithoutPermission(t *testing.T) {
	store := kvstore.NewMemoryStore()
	pm := NewPermissionManager(nil)
	s := NewStorageAPI("no-perm", pm, store, 0, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.Set(ctx, "k", "v"), ErrPermissionDenied)
	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, s.Delete(ctx, "k"), ErrPermissionDenied)
	_, err = s.Keys(ctx)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}
