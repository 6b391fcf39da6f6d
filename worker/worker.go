// Package worker implements the client side of the worker protocol
// (spec §4.5): registration, heartbeat, and the execution loop that
// turns EXECUTE/CANCEL commands into runtime.Context-driven workflow
// runs, streaming checkpoints back to the server.
//
// Grounded on the teacher's worker.Worker interface
// (Start/Run/Stop) in worker/worker.go, generalized from a
// task-list poller to this protocol's push-channel model.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/id"
	"github.com/fluxworkflow/flux/protocol"
	"github.com/fluxworkflow/flux/runtime"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Worker is the interface the rest of Flux depends on, mirroring the
// teacher's three-method lifecycle.
type Worker interface {
	Start(ctx context.Context) error
	Stop()
}

// Runner executes one workflow body against execCtx. It is supplied by
// the authoring layer (workflow package) so this package never needs to
// know how workflow source is interpreted.
type Runner func(ctx context.Context, execCtx *runtime.Context, source, input json.RawMessage) (json.RawMessage, error)

// Config holds the worker-side options named in spec §6.
type Config struct {
	WorkerName        string
	Capabilities      protocol.RegisterPayload
	HeartbeatInterval time.Duration
	MaxConcurrent     int
}

func (c Config) normalized() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	return c
}

type running struct {
	cancel context.CancelFunc
}

// W is the concrete Worker: one connection, one registration, a
// heartbeat loop, and a set of concurrently executing runs.
type W struct {
	conn   protocol.Conn
	runner Runner
	clock  clockwork.Clock
	logger *zap.Logger
	cfg    Config

	workerID     string
	sessionToken string
	inFlight     atomic.Int64

	mu   sync.Mutex
	runs map[string]running

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(conn protocol.Conn, runner Runner, clock clockwork.Clock, logger *zap.Logger, cfg Config) *W {
	if clock == nil {
		clock = clockwork.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &W{
		conn:   conn,
		runner: runner,
		clock:  clock,
		logger: logger,
		cfg:    cfg.normalized(),
		runs:   make(map[string]running),
		stopCh: make(chan struct{}),
	}
}

// Start registers with the server, then blocks running the heartbeat
// and receive loops until ctx is cancelled or the connection drops.
func (w *W) Start(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); w.recvLoop(ctx) }()
	wg.Wait()
	return nil
}

func (w *W) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.mu.Lock()
	for _, r := range w.runs {
		r.cancel()
	}
	w.mu.Unlock()
	w.conn.Close()
}

func (w *W) register(ctx context.Context) error {
	payload, err := json.Marshal(w.cfg.Capabilities)
	if err != nil {
		return internal.NewInternalError("marshal register payload", err)
	}
	if err := w.conn.Send(ctx, protocol.Message{Type: protocol.TypeRegister, ID: id.New(), Payload: payload}); err != nil {
		return internal.NewWorkerDisconnectedError("", err)
	}
	msg, err := w.conn.Recv(ctx)
	if err != nil {
		return internal.NewWorkerDisconnectedError("", err)
	}
	if msg.Type != protocol.TypeRegisterAck {
		return internal.NewValidationError("expected REGISTER_ACK", nil)
	}
	var ack protocol.RegisterAckPayload
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return internal.NewValidationError("malformed REGISTER_ACK", err)
	}
	w.workerID = ack.WorkerID
	w.sessionToken = ack.SessionToken
	w.logger.Info("worker registered", zap.String("worker_id", w.workerID))
	return nil
}

func (w *W) heartbeatLoop(ctx context.Context) {
	ticker := w.clock.Ticker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			payload, err := json.Marshal(protocol.HeartbeatPayload{
				SessionToken: w.sessionToken,
				FreeMemoryMB: w.cfg.Capabilities.MemoryMB,
				FreeCPU:      w.cfg.Capabilities.CPU,
				InFlight:     int(w.inFlight.Load()),
			})
			if err != nil {
				continue
			}
			if err := w.conn.Send(ctx, protocol.Message{Type: protocol.TypeHeartbeat, ID: id.New(), Payload: payload}); err != nil {
				w.logger.Warn("worker heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (w *W) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		msg, err := w.conn.Recv(ctx)
		if err != nil {
			w.logger.Warn("worker connection closed", zap.Error(err))
			return
		}
		switch msg.Type {
		case protocol.TypeExecute:
			w.handleExecute(ctx, msg)
		case protocol.TypeCancel:
			w.handleCancel(msg)
		case protocol.TypeDrain, protocol.TypeDeregister:
			return
		}
	}
}

func (w *W) handleExecute(ctx context.Context, msg protocol.Message) {
	var ep protocol.ExecutePayload
	if err := json.Unmarshal(msg.Payload, &ep); err != nil {
		w.logger.Error("worker: malformed EXECUTE payload", zap.Error(err))
		return
	}

	prior := make([]runtime.Event, 0, len(ep.PriorEvents))
	for _, raw := range ep.PriorEvents {
		var ev runtime.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			w.logger.Error("worker: malformed prior event", zap.Error(err))
			return
		}
		prior = append(prior, ev)
	}

	store := newCheckpointStore(w.conn, prior)
	runCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.runs[msg.ExecutionID] = running{cancel: cancel}
	w.mu.Unlock()
	w.inFlight.Inc()

	go func() {
		defer func() {
			w.inFlight.Dec()
			w.mu.Lock()
			delete(w.runs, msg.ExecutionID)
			w.mu.Unlock()
			cancel()
		}()

		execCtx, err := runtime.Load(runCtx, msg.ExecutionID, "", 0, store, w.clock, w.logger)
		if err != nil {
			w.logger.Error("worker: replay execution", zap.String("execution_id", msg.ExecutionID), zap.Error(err))
			return
		}
		if _, err := w.runner(runCtx, execCtx, ep.WorkflowSource, ep.Input); err != nil {
			w.logger.Info("worker: execution ended with error",
				zap.String("execution_id", msg.ExecutionID), zap.Error(err))
		}
	}()
}

func (w *W) handleCancel(msg protocol.Message) {
	w.mu.Lock()
	r, ok := w.runs[msg.ExecutionID]
	w.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
}
