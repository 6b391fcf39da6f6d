package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/fluxworkflow/flux/internal"
	"github.com/stretchr/testify/require"
)

func TestInlineStoreRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	s := NewInline()

	ref, err := s.Store(ctx, "out-1", json.RawMessage(`{"big":true}`))
	require.NoError(t, err)
	require.Equal(t, "inline", ref.StorageType)

	out, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `{"big":true}`, string(out))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Retrieve(ctx, ref)
	require.Equal(t, internal.KindNotFound, internal.KindOf(err))
}

func TestFilesystemStoreRetrieveDelete(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "outputs")
	s, err := NewFilesystem(root)
	require.NoError(t, err)

	ref, err := s.Store(ctx, "out-2", json.RawMessage(`[1,2,3]`))
	require.NoError(t, err)
	require.Equal(t, "filesystem", ref.StorageType)

	out, err := s.Retrieve(ctx, ref)
	require.NoError(t, err)
	require.JSONEq(t, `[1,2,3]`, string(out))

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Retrieve(ctx, ref)
	require.Equal(t, internal.KindNotFound, internal.KindOf(err))
}
