package local

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreHoldsContentAfterPut(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/store")
	ctx := context.Background()

	held, err := store.HeldLocally(ctx, "qmabc")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, store.Put(ctx, "qmabc", strings.NewReader("hello content")))

	held, err = store.HeldLocally(ctx, "qmabc")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestCopyLocalDeliversBytes(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/store")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "qmabc", strings.NewReader("hello content")))
	require.NoError(t, store.CopyLocal(ctx, "qmabc", "/downloads/sub/out.bin"))

	data, err := afero.ReadFile(fs, "/downloads/sub/out.bin")
	require.NoError(t, err)
	assert.Equal(t, "hello content", string(data))
}

func TestCopyLocalMissingContent(t *testing.T) {
	store := NewStore(afero.NewMemMapFs(), "/store")
	err := store.CopyLocal(context.Background(), "qmnope", "/downloads/out.bin")
	require.Error(t, err)
}

func TestWriteFileCreatesDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/store")

	require.NoError(t, store.WriteFile("/a/b/c/file.txt", []byte("x")))
	ok, err := store.PathExists("/a/b/c/file.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}
