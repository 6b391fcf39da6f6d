package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptedFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.enc")
	store, err := NewEncryptedFile(path, "a-sufficiently-long-master-key-value")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "token", "abc123"))

	values, err := store.Get(ctx, []string{"token"})
	require.NoError(t, err)
	require.Equal(t, "abc123", values["token"])

	reopened, err := NewEncryptedFile(path, "a-sufficiently-long-master-key-value")
	require.NoError(t, err)
	values, err = reopened.Get(ctx, []string{"token"})
	require.NoError(t, err)
	require.Equal(t, "abc123", values["token"])
}

func TestEncryptedFileRejectsEmptyMasterKey(t *testing.T) {
	_, err := NewEncryptedFile(filepath.Join(t.TempDir(), "secrets.enc"), "")
	require.Error(t, err)
}

func TestEncryptedFileListAndDelete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.enc")
	store, err := NewEncryptedFile(path, "a-sufficiently-long-master-key-value")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "a", "1"))
	require.NoError(t, store.Put(ctx, "b", "2"))

	names, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, store.Delete(ctx, "a"))
	names, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, names)
}
