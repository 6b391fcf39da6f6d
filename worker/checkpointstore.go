package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/protocol"
	"github.com/fluxworkflow/flux/runtime"
)

// checkpointStore is the worker-side runtime.Store: Append forwards the
// new events to the server as a CHECKPOINT message (§4.5) and keeps an
// in-memory copy so the same execution can be replayed locally without
// a round trip. Load returns the PriorEvents handed down by the
// EXECUTE command, seeded once at construction, plus anything appended
// since.
type checkpointStore struct {
	conn protocol.Conn

	mu     sync.Mutex
	events []runtime.Event
}

func newCheckpointStore(conn protocol.Conn, prior []runtime.Event) *checkpointStore {
	s := &checkpointStore{conn: conn}
	s.events = append(s.events, prior...)
	return s
}

func (s *checkpointStore) Append(ctx context.Context, executionID string, events []runtime.Event) error {
	raw := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return internal.NewInternalError("marshal checkpoint event", err)
		}
		raw = append(raw, b)
	}
	payload, err := json.Marshal(protocol.CheckpointPayload{Events: raw})
	if err != nil {
		return internal.NewInternalError("marshal checkpoint payload", err)
	}
	if err := s.conn.Send(ctx, protocol.Message{
		Type:        protocol.TypeCheckpoint,
		ID:          events[0].ExecutionID + "-ckpt",
		ExecutionID: executionID,
		Payload:     payload,
	}); err != nil {
		return internal.NewWorkerDisconnectedError("", err)
	}

	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *checkpointStore) Load(_ context.Context, _ string) ([]runtime.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runtime.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

var _ runtime.Store = (*checkpointStore)(nil)
