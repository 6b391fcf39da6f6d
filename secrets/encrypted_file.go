package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/fluxworkflow/flux/internal"
	"github.com/go-logr/logr"
)

// EncryptedFile is a Store backed by a single file on disk, AES-256-GCM
// encrypted at rest with a key derived from a deployment master key
// (spec §4.7/§6 `secrets.master_key`). No example repo in the retrieval
// pack wires a third-party crypto/KMS library for this, so the at-rest
// encryption itself uses stdlib crypto/aes+cipher; everything else about
// this adapter (the Store contract, atomic Get) matches Memory.
//
// EncryptedFile depends only on logr.Logger, not zap directly, per
// SPEC_FULL's logging boundary: Server/Worker bridge their *zap.Logger
// to logr at construction time, so this adapter never imports zap.
type EncryptedFile struct {
	mu     sync.Mutex
	path   string
	gcm    cipher.AEAD
	logger logr.Logger
}

// NewEncryptedFile derives a 32-byte key from masterKey via SHA-256 and
// opens (or prepares to create) path. masterKey must be non-empty;
// config.Secrets.MasterKey's validator tag enforces the minimum length
// before this constructor is ever reached.
func NewEncryptedFile(path, masterKey string) (*EncryptedFile, error) {
	return NewEncryptedFileWithLogger(path, masterKey, logr.Discard())
}

// NewEncryptedFileWithLogger is NewEncryptedFile with an explicit
// logr.Logger for write/delete audit lines, used by deployments that
// want secrets-store activity in their structured log stream.
func NewEncryptedFileWithLogger(path, masterKey string, logger logr.Logger) (*EncryptedFile, error) {
	if masterKey == "" {
		return nil, internal.NewValidationError("secrets: empty master key", nil)
	}
	key := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, internal.NewInternalError("secrets: init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, internal.NewInternalError("secrets: init gcm", err)
	}
	return &EncryptedFile{path: path, gcm: gcm, logger: logger}, nil
}

func (f *EncryptedFile) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, internal.NewStorageFailureError("secrets.read", err)
	}
	if len(raw) < f.gcm.NonceSize() {
		return nil, internal.NewStorageFailureError("secrets.read", errors.New("ciphertext too short"))
	}
	nonce, ciphertext := raw[:f.gcm.NonceSize()], raw[f.gcm.NonceSize():]
	plain, err := f.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, internal.NewStorageFailureError("secrets.decrypt", err)
	}
	values := make(map[string]string)
	if len(plain) > 0 {
		if err := json.Unmarshal(plain, &values); err != nil {
			return nil, internal.NewStorageFailureError("secrets.decode", err)
		}
	}
	return values, nil
}

func (f *EncryptedFile) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return internal.NewStorageFailureError("secrets.encode", err)
	}
	nonce := make([]byte, f.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return internal.NewInternalError("secrets: generate nonce", err)
	}
	ciphertext := f.gcm.Seal(nonce, nonce, plain, nil)
	if err := os.WriteFile(f.path, ciphertext, 0o600); err != nil {
		return internal.NewStorageFailureError("secrets.write", err)
	}
	return nil
}

func (f *EncryptedFile) Get(ctx context.Context, names []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		v, ok := values[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out[name] = v
	}
	if len(missing) > 0 {
		return nil, internal.NewSecretMissingError(missing)
	}
	return out, nil
}

func (f *EncryptedFile) Put(ctx context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	values[name] = value
	if err := f.save(values); err != nil {
		return err
	}
	f.logger.V(1).Info("secret written", "name", name)
	return nil
}

func (f *EncryptedFile) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[name]; !ok {
		return internal.NewNotFoundError("secret", name)
	}
	delete(values, name)
	if err := f.save(values); err != nil {
		return err
	}
	f.logger.V(1).Info("secret deleted", "name", name)
	return nil
}

func (f *EncryptedFile) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

var _ Store = (*EncryptedFile)(nil)
