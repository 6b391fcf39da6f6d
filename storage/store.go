// Package storage implements the Output Store contract of spec §4.7:
// large or explicitly-external task outputs are written here and only a
// reference is embedded in the event log.
package storage

import (
	"context"
	"encoding/json"
)

// Reference is the {storage_type, reference_id, metadata} triple spec
// §4.7 says gets embedded in an event in place of an inline value.
type Reference struct {
	StorageType string            `json:"storage_type"`
	ReferenceID string            `json:"reference_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store is the contract both adapters below implement, and what
// runtime's envelope depends on for the large-output path.
type Store interface {
	Store(ctx context.Context, referenceID string, value json.RawMessage) (Reference, error)
	Retrieve(ctx context.Context, ref Reference) (json.RawMessage, error)
	Delete(ctx context.Context, ref Reference) error
}
