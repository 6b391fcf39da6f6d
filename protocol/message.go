// Package protocol defines the wire-level worker transport of spec
// §4.5/§6: a bidirectional push channel carrying JSON message
// envelopes between the server and a worker.
package protocol

import "encoding/json"

// Type enumerates the message envelope's `type` field (§6).
type Type string

const (
	TypeRegister      Type = "REGISTER"
	TypeRegisterAck   Type = "REGISTER_ACK"
	TypeHeartbeat     Type = "HEARTBEAT"
	TypeExecute       Type = "EXECUTE"
	TypeCancel        Type = "CANCEL"
	TypePauseAck      Type = "PAUSE_ACK"
	TypeCheckpoint    Type = "CHECKPOINT"
	TypeCheckpointAck Type = "CHECKPOINT_ACK"
	TypeDrain         Type = "DRAIN"
	TypeDeregister    Type = "DEREGISTER"
)

// Message is the envelope every frame on the worker transport carries,
// named directly after spec §6: "{type, id, execution_id?, payload}".
type Message struct {
	Type        Type            `json:"type"`
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the body of a REGISTER message (§4.5 "Worker →
// Server: register(worker_info)").
type RegisterPayload struct {
	WorkerName    string   `json:"worker_name"`
	CPU           float64  `json:"cpu"`
	MemoryMB      int64    `json:"memory_mb"`
	Packages      []string `json:"packages,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// RegisterAckPayload is the server's reply, allocating worker_id and a
// session token the worker must present on every subsequent call.
type RegisterAckPayload struct {
	WorkerID     string `json:"worker_id"`
	SessionToken string `json:"session_token"`
}

// HeartbeatPayload carries the worker's current free capacity so the
// dispatcher's registry stays close to live (§4.4 "worker capacity
// update" is one of the re-evaluation triggers).
type HeartbeatPayload struct {
	SessionToken string  `json:"session_token"`
	FreeCPU      float64 `json:"free_cpu"`
	FreeMemoryMB int64   `json:"free_memory_mb"`
	InFlight     int     `json:"in_flight"`
}

// ExecutePayload is the command that hands a claimed execution to a
// worker, including PriorEvents to support mid-execution replay on
// reconnection (§4.5).
type ExecutePayload struct {
	WorkflowSource json.RawMessage   `json:"workflow_source"`
	Input          json.RawMessage   `json:"input"`
	PriorEvents    []json.RawMessage `json:"prior_events,omitempty"`
}

// CancelPayload requests cooperative cancellation; the worker must
// eventually acknowledge with a WORKFLOW_CANCELLED event via checkpoint.
type CancelPayload struct {
	GracePeriodMS int64 `json:"grace_period_ms"`
}

// CheckpointPayload delivers newly produced events for appending to the
// authoritative log (§4.5 "Checkpoint callback").
type CheckpointPayload struct {
	Events []json.RawMessage `json:"events"`
}

// CheckpointAckPayload carries the highest accepted sequence so the
// worker can reclaim its local buffer.
type CheckpointAckPayload struct {
	AcceptedSequence int `json:"accepted_sequence"`
}
