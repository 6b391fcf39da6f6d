// Package server implements the server side of the worker protocol
// (spec §4.5): accepting worker connections, handling
// registration/heartbeat, forwarding EXECUTE/CANCEL commands, and
// durably appending the CHECKPOINT events a worker streams back. It is
// the dispatcher.Sender implementation cmd/fluxserver wires into the
// Dispatcher.
//
// Grounded on the teacher's matchingEngine/taskQueue fan-out (routing
// task completions back to the right in-flight poller), generalized
// here from a long-poll task queue to a persistent push connection per
// worker.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/catalog"
	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/id"
	"github.com/fluxworkflow/flux/protocol"
	"github.com/fluxworkflow/flux/runtime"
	"go.uber.org/zap"
)

// AckHandler is satisfied by *dispatcher.Dispatcher; separated as an
// interface so Hub doesn't need the concrete type for tests.
type AckHandler interface {
	HandleAck(executionID string)
	WorkerOffline(ctx context.Context, workerID string)
}

// WorkerDirectory durably records worker registrations; persistence/postgres.WorkerStore
// implements this in production.
type WorkerDirectory interface {
	Upsert(ctx context.Context, w dispatcher.Worker, sessionToken string) error
	TouchHeartbeat(ctx context.Context, workerID string, now time.Time) error
}

// cancelDeadline tracks one outstanding CANCEL waiting on the worker's
// acknowledging WORKFLOW_CANCELLED checkpoint, so the grace-period loop
// can force-reclaim it.
type cancelDeadline struct {
	workerID string
	deadline time.Time
}

// Hub owns the live set of worker connections and bridges them to the
// Dispatcher's Registry and the durable event Store.
type Hub struct {
	transport  protocol.Transport
	registry   *dispatcher.Registry
	ack        AckHandler
	events     runtime.Store
	executions runtime.ExecutionStore
	catalog    catalog.Store
	directory  WorkerDirectory
	clock      clockwork.Clock
	logger     *zap.Logger

	mu       sync.Mutex
	conns    map[string]protocol.Conn
	cancels  map[string]cancelDeadline // executionID -> grace-period deadline
	sweepInt time.Duration
}

func NewHub(transport protocol.Transport, registry *dispatcher.Registry, ack AckHandler, events runtime.Store, executions runtime.ExecutionStore, wf catalog.Store, directory WorkerDirectory, clock clockwork.Clock, logger *zap.Logger) *Hub {
	if clock == nil {
		clock = clockwork.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		transport:  transport,
		registry:   registry,
		ack:        ack,
		events:     events,
		executions: executions,
		catalog:    wf,
		directory:  directory,
		clock:      clock,
		logger:     logger,
		conns:      make(map[string]protocol.Conn),
		cancels:    make(map[string]cancelDeadline),
		sweepInt:   time.Second,
	}
}

// Serve accepts connections until ctx is cancelled, handling each on its
// own goroutine.
func (h *Hub) Serve(ctx context.Context) {
	for {
		conn, err := h.transport.Accept(ctx)
		if err != nil {
			return
		}
		go h.handleConn(ctx, conn)
	}
}

// Run drives the cancel-grace-period enforcement loop (spec §4.5: "the
// worker must respond with an acknowledging WORKFLOW_CANCELLED event
// within a grace period, after which the server force-reclaims") until
// ctx is cancelled, mirroring the scheduler's own ticker loop.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.Ticker(h.sweepInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.enforceCancelDeadlines(ctx)
		}
	}
}

// enforceCancelDeadlines force-reclaims every execution whose worker
// failed to ack a CANCEL with a WORKFLOW_CANCELLED checkpoint within its
// grace period, by appending the terminal event on the worker's behalf
// and reverting its executions-row projection straight to CANCELLED.
func (h *Hub) enforceCancelDeadlines(ctx context.Context) {
	now := h.clock.Now()
	var expired []string
	h.mu.Lock()
	for executionID, cd := range h.cancels {
		if now.After(cd.deadline) {
			expired = append(expired, executionID)
			delete(h.cancels, executionID)
		}
	}
	h.mu.Unlock()

	for _, executionID := range expired {
		h.forceReclaim(ctx, executionID)
	}
}

func (h *Hub) forceReclaim(ctx context.Context, executionID string) {
	prior, err := h.events.Load(ctx, executionID)
	if err != nil {
		h.logger.Error("server: load events for cancel force-reclaim", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	seq := int64(len(prior) + 1)
	event := runtime.Event{
		ExecutionID: executionID,
		Sequence:    seq,
		Kind:        runtime.WorkflowCancelled,
		Source:      "server",
		Time:        h.clock.Now(),
	}
	if err := h.events.Append(ctx, executionID, []runtime.Event{event}); err != nil {
		h.logger.Error("server: append force-reclaim cancel event", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if _, err := h.executions.CompareAndSwapState(ctx, executionID, runtime.StateCancelling, runtime.StateCancelled, nil); err != nil {
		h.logger.Error("server: force-reclaim execution state", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	h.logger.Warn("server: force-reclaimed execution after cancel grace period elapsed", zap.String("execution_id", executionID))
}

func (h *Hub) handleConn(ctx context.Context, conn protocol.Conn) {
	workerID, sessionToken, err := h.register(ctx, conn)
	if err != nil {
		h.logger.Warn("server: worker registration failed", zap.Error(err))
		conn.Close()
		return
	}
	h.mu.Lock()
	h.conns[workerID] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, workerID)
		h.mu.Unlock()
		h.ack.WorkerOffline(ctx, workerID)
		conn.Close()
	}()

	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			h.logger.Info("server: worker connection closed", zap.String("worker_id", workerID), zap.Error(err))
			return
		}
		switch msg.Type {
		case protocol.TypeHeartbeat:
			h.handleHeartbeat(ctx, workerID, sessionToken, msg)
		case protocol.TypeCheckpoint:
			h.handleCheckpoint(ctx, workerID, msg)
		}
	}
}

func (h *Hub) register(ctx context.Context, conn protocol.Conn) (string, string, error) {
	msg, err := conn.Recv(ctx)
	if err != nil {
		return "", "", err
	}
	if msg.Type != protocol.TypeRegister {
		return "", "", internal.NewValidationError("expected REGISTER as first message", nil)
	}
	var rp protocol.RegisterPayload
	if err := json.Unmarshal(msg.Payload, &rp); err != nil {
		return "", "", internal.NewValidationError("malformed REGISTER payload", err)
	}

	workerID := id.NewPrefixed("worker")
	sessionToken := id.New()

	w := dispatcher.Worker{
		WorkerID: workerID,
		Capabilities: dispatcher.Capabilities{
			CPU: rp.CPU, MemoryMB: rp.MemoryMB, Packages: rp.Packages, Tags: rp.Tags,
		},
		FreeCPU:       rp.CPU,
		FreeMemoryMB:  rp.MemoryMB,
		MaxConcurrent: rp.MaxConcurrent,
		LastSeen:      h.clock.Now(),
	}
	h.registry.Register(w)
	if h.directory != nil {
		if err := h.directory.Upsert(ctx, w, sessionToken); err != nil {
			h.logger.Warn("server: durable worker upsert failed", zap.String("worker_id", workerID), zap.Error(err))
		}
	}

	ackPayload, err := json.Marshal(protocol.RegisterAckPayload{WorkerID: workerID, SessionToken: sessionToken})
	if err != nil {
		return "", "", internal.NewInternalError("marshal REGISTER_ACK", err)
	}
	if err := conn.Send(ctx, protocol.Message{Type: protocol.TypeRegisterAck, ID: id.New(), Payload: ackPayload}); err != nil {
		return "", "", internal.NewWorkerDisconnectedError(workerID, err)
	}
	h.logger.Info("server: worker registered", zap.String("worker_id", workerID))
	return workerID, sessionToken, nil
}

func (h *Hub) handleHeartbeat(ctx context.Context, workerID, sessionToken string, msg protocol.Message) {
	var hp protocol.HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &hp); err != nil {
		h.logger.Warn("server: malformed HEARTBEAT payload", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	if hp.SessionToken != sessionToken {
		h.logger.Warn("server: heartbeat with stale or forged session token", zap.String("worker_id", workerID))
		return
	}
	now := h.clock.Now()
	if err := h.registry.Heartbeat(workerID, now); err != nil {
		h.logger.Warn("server: heartbeat for unknown worker", zap.String("worker_id", workerID))
		return
	}
	h.registry.UpdateCapacity(workerID, hp.FreeCPU, hp.FreeMemoryMB, hp.InFlight)
	if h.directory != nil {
		if err := h.directory.TouchHeartbeat(ctx, workerID, now); err != nil {
			h.logger.Warn("server: durable heartbeat touch failed", zap.String("worker_id", workerID), zap.Error(err))
		}
	}
}

func (h *Hub) handleCheckpoint(ctx context.Context, workerID string, msg protocol.Message) {
	var cp protocol.CheckpointPayload
	if err := json.Unmarshal(msg.Payload, &cp); err != nil {
		h.logger.Error("server: malformed CHECKPOINT payload", zap.String("worker_id", workerID), zap.Error(err))
		return
	}
	events := make([]runtime.Event, 0, len(cp.Events))
	for _, raw := range cp.Events {
		var ev runtime.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			h.logger.Error("server: malformed checkpoint event", zap.String("worker_id", workerID), zap.Error(err))
			return
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return
	}
	if err := h.events.Append(ctx, msg.ExecutionID, events); err != nil {
		h.logger.Error("server: append checkpoint events", zap.String("execution_id", msg.ExecutionID), zap.Error(err))
		return
	}
	h.ack.HandleAck(msg.ExecutionID)

	for _, ev := range events {
		if ev.Kind == runtime.WorkflowCancelled {
			h.mu.Lock()
			delete(h.cancels, msg.ExecutionID)
			h.mu.Unlock()
			break
		}
	}

	ackPayload, err := json.Marshal(protocol.CheckpointAckPayload{AcceptedSequence: int(events[len(events)-1].Sequence)})
	if err != nil {
		return
	}
	h.mu.Lock()
	conn, ok := h.conns[workerID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Send(ctx, protocol.Message{Type: protocol.TypeCheckpointAck, ID: id.New(), ExecutionID: msg.ExecutionID, Payload: ackPayload}); err != nil {
		h.logger.Warn("server: send CHECKPOINT_ACK", zap.String("worker_id", workerID), zap.Error(err))
	}
}

// SendExecute implements dispatcher.Sender: it loads the prior event log
// for executionID so a reconnecting worker can replay, then pushes an
// EXECUTE command to workerID's live connection.
func (h *Hub) SendExecute(ctx context.Context, workerID, executionID string, input []byte) error {
	h.mu.Lock()
	conn, ok := h.conns[workerID]
	h.mu.Unlock()
	if !ok {
		return internal.NewWorkerDisconnectedError(workerID, nil)
	}

	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	wf, err := h.catalog.Get(ctx, exec.WorkflowName, exec.WorkflowVersion)
	if err != nil {
		return err
	}

	prior, err := h.events.Load(ctx, executionID)
	if err != nil {
		return err
	}
	priorRaw := make([]json.RawMessage, 0, len(prior))
	for _, ev := range prior {
		b, err := json.Marshal(ev)
		if err != nil {
			return internal.NewInternalError("marshal prior event", err)
		}
		priorRaw = append(priorRaw, b)
	}

	payload, err := json.Marshal(protocol.ExecutePayload{WorkflowSource: wf.Source, Input: input, PriorEvents: priorRaw})
	if err != nil {
		return internal.NewInternalError("marshal EXECUTE payload", err)
	}
	return conn.Send(ctx, protocol.Message{
		Type:        protocol.TypeExecute,
		ID:          id.New(),
		ExecutionID: executionID,
		Payload:     payload,
	})
}

// SendCancel pushes a CANCEL command to executionID's worker, used by the
// admin API's cancel() to propagate cooperative cancellation (spec §4.5).
// It starts the grace-period clock Run's enforcement loop polls: if no
// acknowledging WORKFLOW_CANCELLED checkpoint arrives before it elapses,
// the server force-reclaims the execution itself.
func (h *Hub) SendCancel(ctx context.Context, workerID, executionID string, gracePeriodMS int64) error {
	h.mu.Lock()
	conn, ok := h.conns[workerID]
	h.mu.Unlock()
	if !ok {
		return internal.NewWorkerDisconnectedError(workerID, nil)
	}
	payload, err := json.Marshal(protocol.CancelPayload{GracePeriodMS: gracePeriodMS})
	if err != nil {
		return internal.NewInternalError("marshal CANCEL payload", err)
	}
	if err := conn.Send(ctx, protocol.Message{Type: protocol.TypeCancel, ID: id.New(), ExecutionID: executionID, Payload: payload}); err != nil {
		return err
	}
	h.mu.Lock()
	h.cancels[executionID] = cancelDeadline{
		workerID: workerID,
		deadline: h.clock.Now().Add(time.Duration(gracePeriodMS) * time.Millisecond),
	}
	h.mu.Unlock()
	return nil
}

var _ dispatcher.Sender = (*Hub)(nil)
