package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/fluxworkflow/flux/internal"
	"github.com/go-logr/logr"
)

// Filesystem is the durable Output Store adapter of spec §4.7, writing
// one file per reference under a root directory (`storage.local_storage_path`
// of §6). It depends only on logr.Logger, the same boundary
// secrets.EncryptedFile observes, so this adapter never imports zap.
type Filesystem struct {
	root   string
	logger logr.Logger
}

func NewFilesystem(root string) (*Filesystem, error) {
	return NewFilesystemWithLogger(root, logr.Discard())
}

// NewFilesystemWithLogger is NewFilesystem with an explicit logr.Logger
// for store/delete audit lines.
func NewFilesystemWithLogger(root string, logger logr.Logger) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, internal.NewStorageFailureError("storage.mkdir", err)
	}
	return &Filesystem{root: root, logger: logger}, nil
}

func (f *Filesystem) pathFor(referenceID string) string {
	return filepath.Join(f.root, referenceID+".json")
}

func (f *Filesystem) Store(ctx context.Context, referenceID string, value json.RawMessage) (Reference, error) {
	if err := os.WriteFile(f.pathFor(referenceID), value, 0o644); err != nil {
		return Reference{}, internal.NewStorageFailureError("storage.write", err)
	}
	f.logger.V(1).Info("output stored", "reference_id", referenceID, "bytes", len(value))
	return Reference{
		StorageType: "filesystem",
		ReferenceID: referenceID,
		Metadata:    map[string]string{"path": f.pathFor(referenceID)},
	}, nil
}

func (f *Filesystem) Retrieve(ctx context.Context, ref Reference) (json.RawMessage, error) {
	raw, err := os.ReadFile(f.pathFor(ref.ReferenceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, internal.NewNotFoundError("output", ref.ReferenceID)
	}
	if err != nil {
		return nil, internal.NewStorageFailureError("storage.read", err)
	}
	return raw, nil
}

func (f *Filesystem) Delete(ctx context.Context, ref Reference) error {
	if err := os.Remove(f.pathFor(ref.ReferenceID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return internal.NewNotFoundError("output", ref.ReferenceID)
		}
		return internal.NewStorageFailureError("storage.delete", err)
	}
	f.logger.V(1).Info("output deleted", "reference_id", ref.ReferenceID)
	return nil
}

var _ Store = (*Filesystem)(nil)
