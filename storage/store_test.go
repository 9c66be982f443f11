package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provlab/phone-provisioning-backend/interfaces"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "documents/base", []byte(`{"id":"base"}`)))
	require.NoError(t, store.Put(ctx, "documents/child", []byte(`{"id":"child"}`)))
	require.NoError(t, store.Put(ctx, "devices/d1", []byte(`{"id":"d1"}`)))

	data, err := store.Get(ctx, "documents/base")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"base"}`), data)

	keys, err := store.List(ctx, "documents/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"documents/base", "documents/child"}, keys)

	require.NoError(t, store.Delete(ctx, "documents/child"))
	_, err = store.Get(ctx, "documents/child")
	assert.ErrorIs(t, err, interfaces.ErrConfigNotFound)

	// Deleting an absent key is not an error.
	assert.NoError(t, store.Delete(ctx, "documents/child"))
}

func TestFileStoreEscapesRecordNames(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	store, err := NewFileStore(baseDir, testLogger())
	require.NoError(t, err)

	// A record name with path separators must stay inside the namespace
	// directory and survive a round trip through List.
	require.NoError(t, store.Put(ctx, "documents/../escaped", []byte("x")))

	_, err = os.Stat(filepath.Join(baseDir, "escaped"))
	assert.True(t, os.IsNotExist(err), "record must not be written outside its namespace")

	data, err := store.Get(ctx, "documents/../escaped")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	keys, err := store.List(ctx, "documents/")
	require.NoError(t, err)
	assert.Contains(t, keys, "documents/../escaped")
}

func TestFileStoreListMissingNamespace(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	keys, err := store.List(context.Background(), "devices/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "documents/base", []byte("a")))

	data, err := store.Get(ctx, "documents/base")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	_, err = store.Get(ctx, "documents/missing")
	assert.ErrorIs(t, err, interfaces.ErrConfigNotFound)

	keys, err := store.List(ctx, "documents/")
	require.NoError(t, err)
	assert.Equal(t, []string{"documents/base"}, keys)

	require.NoError(t, store.Delete(ctx, "documents/base"))
	_, err = store.Get(ctx, "documents/base")
	assert.ErrorIs(t, err, interfaces.ErrConfigNotFound)
}

func TestStoreFactorySchemes(t *testing.T) {
	factory := NewStoreFactory(testLogger())

	store, err := factory.StoreFor("memory://")
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Name())

	dir := t.TempDir()
	store, err = factory.StoreFor("file://" + dir)
	require.NoError(t, err)
	assert.Equal(t, "file", store.Name())
	assert.Equal(t, "file://"+dir, store.LocationURI())

	_, err = factory.StoreFor("redis://localhost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store scheme")
}
