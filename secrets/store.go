// Package secrets implements the Secrets Store contract of spec §4.7:
// get/put/delete/list over named values encrypted at rest with a
// per-deployment master key, with an atomic all-or-nothing Get.
package secrets

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxworkflow/flux/internal"
)

// Store is the contract runtime.Envelope and the admin API depend on.
type Store interface {
	Get(ctx context.Context, names []string) (map[string]string, error)
	Put(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Memory is an in-process Store, the adapter tests and single-node
// deployments use directly; EncryptedFile is the separate adapter with
// at-rest encryption for anything durable.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get fails atomically if any requested name is missing, per §4.7.
func (m *Memory) Get(ctx context.Context, names []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		v, ok := m.values[name]
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

func (m *Memory) Put(ctx context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[name]; !ok {
		return internal.NewNotFoundError("secret", name)
	}
	delete(m.values, name)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.values))
	for name := range m.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

var _ Store = (*Memory)(nil)
