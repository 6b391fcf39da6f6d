package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/fluxworkflow/flux/catalog"
	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/testutil"
	"github.com/fluxworkflow/flux/protocol"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConn is an in-memory protocol.Conn backed by two directional
// channels, letting tests drive both ends of a worker connection
// without a real network transport.
type pipeConn struct {
	in  chan protocol.Message
	out chan protocol.Message
}

func newPipe() (*pipeConn, *pipeConn) {
	a, b := make(chan protocol.Message, 16), make(chan protocol.Message, 16)
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func (c *pipeConn) Send(ctx context.Context, msg protocol.Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *pipeConn) Close() error { return nil }

type fakeTransport struct {
	conns chan *pipeConn
}

func (t *fakeTransport) Accept(ctx context.Context) (protocol.Conn, error) {
	select {
	case c := <-t.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Close() error { return nil }

type fakeAckHandler struct {
	acked chan string
}

func (f *fakeAckHandler) HandleAck(executionID string) { f.acked <- executionID }
func (f *fakeAckHandler) WorkerOffline(context.Context, string) {}

func TestHubRegisterAndHeartbeat(t *testing.T) {
	server, worker := newPipe()
	transport := &fakeTransport{conns: make(chan *pipeConn, 1)}
	transport.conns <- server

	registry := dispatcher.NewRegistry()
	ack := &fakeAckHandler{acked: make(chan string, 1)}
	events := testutil.NewEventStore()
	executions := testutil.NewExecutionStore()
	wfStore := catalog.NewMemory()
	clock := clockwork.NewMock()

	hub := NewHub(transport, registry, ack, events, executions, wfStore, nil, clock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go hub.Serve(ctx)

	registerPayload, _ := json.Marshal(protocol.RegisterPayload{WorkerName: "w1", CPU: 4, MemoryMB: 8192, MaxConcurrent: 2})
	require.NoError(t, worker.Send(ctx, protocol.Message{Type: protocol.TypeRegister, ID: "1", Payload: registerPayload}))

	ackMsg, err := worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeRegisterAck, ackMsg.Type)

	var ackPayload protocol.RegisterAckPayload
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ackPayload))
	assert.NotEmpty(t, ackPayload.WorkerID)

	w, ok := registry.Get(ackPayload.WorkerID)
	require.True(t, ok)
	assert.Equal(t, dispatcher.WorkerOnline, w.Status)

	hbPayload, _ := json.Marshal(protocol.HeartbeatPayload{SessionToken: ackPayload.SessionToken, FreeCPU: 2, FreeMemoryMB: 4096, InFlight: 1})
	require.NoError(t, worker.Send(ctx, protocol.Message{Type: protocol.TypeHeartbeat, ID: "2", Payload: hbPayload}))

	// Give the hub's goroutine a moment to process the heartbeat.
	time.Sleep(50 * time.Millisecond)
	w, _ = registry.Get(ackPayload.WorkerID)
	assert.Equal(t, 1, w.InFlight)
}

func TestHubSendExecuteIncludesWorkflowSource(t *testing.T) {
	server, worker := newPipe()
	transport := &fakeTransport{conns: make(chan *pipeConn, 1)}
	transport.conns <- server

	registry := dispatcher.NewRegistry()
	ack := &fakeAckHandler{acked: make(chan string, 1)}
	events := testutil.NewEventStore()
	executions := testutil.NewExecutionStore()
	wfStore := catalog.NewMemory()
	clock := clockwork.NewMock()

	version, err := wfStore.Register(context.Background(), catalog.Workflow{Name: "order.process", Source: []byte(`{"name":"order.process","version":1}`)})
	require.NoError(t, err)
	require.NoError(t, executions.Create(context.Background(), runtime.Execution{
		ExecutionID: "exec-1", WorkflowName: "order.process", WorkflowVersion: version, State: runtime.StateClaimed,
	}))

	hub := NewHub(transport, registry, ack, events, executions, wfStore, nil, clock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go hub.Serve(ctx)

	registerPayload, _ := json.Marshal(protocol.RegisterPayload{WorkerName: "w1"})
	require.NoError(t, worker.Send(ctx, protocol.Message{Type: protocol.TypeRegister, ID: "1", Payload: registerPayload}))
	ackMsg, err := worker.Recv(ctx)
	require.NoError(t, err)
	var ackPayload protocol.RegisterAckPayload
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ackPayload))

	require.NoError(t, hub.SendExecute(ctx, ackPayload.WorkerID, "exec-1", []byte(`{"order_id":1}`)))

	execMsg, err := worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeExecute, execMsg.Type)

	var ep protocol.ExecutePayload
	require.NoError(t, json.Unmarshal(execMsg.Payload, &ep))
	assert.JSONEq(t, `{"name":"order.process","version":1}`, string(ep.WorkflowSource))
}

func TestHubForceReclaimsExecutionWhenCancelGracePeriodElapsesWithoutAck(t *testing.T) {
	server, worker := newPipe()
	transport := &fakeTransport{conns: make(chan *pipeConn, 1)}
	transport.conns <- server

	registry := dispatcher.NewRegistry()
	ack := &fakeAckHandler{acked: make(chan string, 1)}
	events := testutil.NewEventStore()
	executions := testutil.NewExecutionStore()
	wfStore := catalog.NewMemory()
	clock := clockwork.NewMock()

	require.NoError(t, events.Append(context.Background(), "exec-1", []runtime.Event{
		{ExecutionID: "exec-1", Sequence: 1, Kind: runtime.WorkflowStarted},
	}))
	workerID := "worker-1"
	require.NoError(t, executions.Create(context.Background(), runtime.Execution{
		ExecutionID: "exec-1", State: runtime.StateCancelling, CurrentWorkerID: &workerID,
	}))

	hub := NewHub(transport, registry, ack, events, executions, wfStore, nil, clock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go hub.Serve(ctx)

	registerPayload, _ := json.Marshal(protocol.RegisterPayload{WorkerName: "w1"})
	require.NoError(t, worker.Send(ctx, protocol.Message{Type: protocol.TypeRegister, ID: "1", Payload: registerPayload}))
	ackMsg, err := worker.Recv(ctx)
	require.NoError(t, err)
	var ackPayload protocol.RegisterAckPayload
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ackPayload))

	require.NoError(t, hub.SendCancel(ctx, ackPayload.WorkerID, "exec-1", 1000))
	cancelMsg, err := worker.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeCancel, cancelMsg.Type)

	// Worker never acks; once the clock passes the grace period the
	// enforcement loop must force-reclaim the execution itself.
	clock.Add(2 * time.Second)
	hub.enforceCancelDeadlines(ctx)

	exec, err := executions.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, runtime.StateCancelled, exec.State)

	loaded, err := events.Load(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, runtime.WorkflowCancelled, loaded[1].Kind)
}

func TestHubClearsCancelDeadlineOnAckingCheckpoint(t *testing.T) {
	server, worker := newPipe()
	transport := &fakeTransport{conns: make(chan *pipeConn, 1)}
	transport.conns <- server

	registry := dispatcher.NewRegistry()
	ack := &fakeAckHandler{acked: make(chan string, 1)}
	events := testutil.NewEventStore()
	executions := testutil.NewExecutionStore()
	wfStore := catalog.NewMemory()
	clock := clockwork.NewMock()

	workerID := "worker-1"
	require.NoError(t, executions.Create(context.Background(), runtime.Execution{
		ExecutionID: "exec-1", State: runtime.StateCancelling, CurrentWorkerID: &workerID,
	}))

	hub := NewHub(transport, registry, ack, events, executions, wfStore, nil, clock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go hub.Serve(ctx)

	registerPayload, _ := json.Marshal(protocol.RegisterPayload{WorkerName: "w1"})
	require.NoError(t, worker.Send(ctx, protocol.Message{Type: protocol.TypeRegister, ID: "1", Payload: registerPayload}))
	ackMsg, err := worker.Recv(ctx)
	require.NoError(t, err)
	var ackPayload protocol.RegisterAckPayload
	require.NoError(t, json.Unmarshal(ackMsg.Payload, &ackPayload))

	require.NoError(t, hub.SendCancel(ctx, ackPayload.WorkerID, "exec-1", 1000))
	_, err = worker.Recv(ctx)
	require.NoError(t, err)

	cancelledEvent, _ := json.Marshal(runtime.Event{ExecutionID: "exec-1", Sequence: 1, Kind: runtime.WorkflowCancelled})
	cpPayload, _ := json.Marshal(protocol.CheckpointPayload{Events: []json.RawMessage{cancelledEvent}})
	require.NoError(t, worker.Send(ctx, protocol.Message{Type: protocol.TypeCheckpoint, ID: "2", ExecutionID: "exec-1", Payload: cpPayload}))
	require.Equal(t, "exec-1", <-ack.acked)

	hub.mu.Lock()
	_, stillTracked := hub.cancels["exec-1"]
	hub.mu.Unlock()
	assert.False(t, stillTracked, "acking checkpoint must clear the cancel deadline")
}
