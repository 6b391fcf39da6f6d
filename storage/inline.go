package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fluxworkflow/flux/internal"
)

// Inline is the in-memory Output Store adapter spec §4.7 requires: it
// exists mainly for single-node deployments and tests where durability
// across process restarts isn't needed.
type Inline struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func NewInline() *Inline {
	return &Inline{values: make(map[string]json.RawMessage)}
}

func (s *Inline) Store(ctx context.Context, referenceID string, value json.RawMessage) (Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	s.values[referenceID] = cp
	return Reference{StorageType: "inline", ReferenceID: referenceID}, nil
}

func (s *Inline) Retrieve(ctx context.Context, ref Reference) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[ref.ReferenceID]
	if !ok {
		return nil, internal.NewNotFoundError("output", ref.ReferenceID)
	}
	return v, nil
}

func (s *Inline) Delete(ctx context.Context, ref Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[ref.ReferenceID]; !ok {
		return internal.NewNotFoundError("output", ref.ReferenceID)
	}
	delete(s.values, ref.ReferenceID)
	return nil
}

var _ Store = (*Inline)(nil)
