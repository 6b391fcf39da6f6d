package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fluxworkflow/flux/cache"
	"github.com/fluxworkflow/flux/dispatcher"
	"github.com/fluxworkflow/flux/internal/clockwork"
	"github.com/fluxworkflow/flux/internal/testutil"
	"github.com/fluxworkflow/flux/runtime"
	"github.com/fluxworkflow/flux/workflow"
)

// recordingSender is a dispatcher.Sender that just records which worker
// each execution was sent to, standing in for server.Hub's wire send.
type recordingSender struct {
	sentTo map[string]string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sentTo: make(map[string]string)}
}

func (s *recordingSender) SendExecute(_ context.Context, workerID, executionID string, _ []byte) error {
	s.sentTo[executionID] = workerID
	return nil
}

// newRunner builds a fresh registry + execution context pair for one
// scenario, mirroring workflow/registry_test.go's runToCompletion
// helper but exposed here so each Describe block can drive its own
// cancel/resume timing.
func newRunner(name string, deps workflow.Dependencies) (*workflow.Registry, *runtime.Context, workflow.Source) {
	store := testutil.NewEventStore()
	if deps.Clock == nil {
		deps.Clock = clockwork.New()
	}
	execCtx := runtime.NewContext("exec-"+name, name, 1, store, deps.Clock, nil)
	reg := workflow.NewRegistry()
	src := workflow.Source{Name: name, Version: 1}
	return reg, execCtx, src
}

func eventKinds(execCtx *runtime.Context) []runtime.Kind {
	events := execCtx.Events()
	kinds := make([]runtime.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func countKind(kinds []runtime.Kind, k runtime.Kind) int {
	n := 0
	for _, kk := range kinds {
		if kk == k {
			n++
		}
	}
	return n
}

// flakyWorkflow implements the "retry then succeed" scenario of §8:
// flaky fails on attempt 1, succeeds on attempt 2, max_attempts=3.
type flakyWorkflow struct {
	attempts *int32
}

func (w flakyWorkflow) Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	out, err := c.Task("flaky", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		if atomic.AddInt32(w.attempts, 1) == 1 {
			return nil, errors.New("flaky: transient failure")
		}
		return json.Marshal("ok")
	}, nil, workflow.WithRetry(runtime.RetryPolicy{MaxAttempts: 3}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// sleeperWorkflow implements the "cancel a sleeper" scenario of §8: a
// single task blocks until either real time elapses or the execution's
// cancellation channel closes, whichever the envelope's attempt race
// observes first.
type sleeperWorkflow struct{}

func (sleeperWorkflow) Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	_, err := c.Task("sleep", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(60 * time.Second):
			return json.Marshal(1)
		case <-c.Done():
			return nil, context.Canceled
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(1)
}

// cachedWorkflow implements the "cache hit" scenario of §8: a cached
// task called twice with the same args invokes its body only once.
type cachedWorkflow struct {
	calls *int32
}

func (w cachedWorkflow) Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	out, err := c.Task("priced", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		atomic.AddInt32(w.calls, 1)
		return json.Marshal(42)
	}, map[string]string{"sku": "widget"}, workflow.WithCache(time.Minute))
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ = Describe("Retry then succeed", func() {
	It("emits exactly one retry-failed and one retry-completed before TASK_COMPLETED", func() {
		var attempts int32
		reg, execCtx, src := newRunner("flaky", workflow.Dependencies{})
		reg.Register(src.Name, src.Version, func() workflow.Workflow { return flakyWorkflow{attempts: &attempts} })
		runner := reg.Runner(workflow.Dependencies{})

		out, err := runner(context.Background(), execCtx, src.Encode(), json.RawMessage(`null`))
		Expect(err).NotTo(HaveOccurred())

		var result string
		Expect(json.Unmarshal(out, &result)).To(Succeed())
		Expect(result).To(Equal("ok"))
		Expect(execCtx.IsSucceeded()).To(BeTrue())
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(2)))

		kinds := eventKinds(execCtx)
		Expect(countKind(kinds, runtime.TaskRetryFailed)).To(Equal(1))
		Expect(countKind(kinds, runtime.TaskRetryCompleted)).To(Equal(1))
		Expect(kinds[len(kinds)-1]).To(Equal(runtime.WorkflowCompleted))
	})
})

var _ = Describe("Cancel a sleeper", func() {
	It("reaches CANCELLED without a TASK_COMPLETED for the sleeping task", func() {
		reg, execCtx, src := newRunner("sleeper", workflow.Dependencies{})
		reg.Register(src.Name, src.Version, func() workflow.Workflow { return sleeperWorkflow{} })
		runner := reg.Runner(workflow.Dependencies{})

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = runner(context.Background(), execCtx, src.Encode(), json.RawMessage(`null`))
		}()

		Eventually(func() bool {
			return countKind(eventKinds(execCtx), runtime.TaskStarted) > 0
		}, time.Second).Should(BeTrue())

		_, err := execCtx.Cancel(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Eventually(done, 2*time.Second).Should(BeClosed())
		Expect(execCtx.IsCancelled()).To(BeTrue())
		Expect(countKind(eventKinds(execCtx), runtime.TaskCompleted)).To(Equal(0))
	})
})

var _ = Describe("Cache hit", func() {
	It("does not invoke the task body on the second call", func() {
		var calls int32
		clock := clockwork.New()
		memCache := cache.NewMemory(clock)

		reg, execCtx, src := newRunner("cached", workflow.Dependencies{Clock: clock})
		reg.Register(src.Name, src.Version, func() workflow.Workflow { return cachedWorkflow{calls: &calls} })
		runner := reg.Runner(workflow.Dependencies{Clock: clock, Cache: memCache})

		out1, err := runner(context.Background(), execCtx, src.Encode(), json.RawMessage(`null`))
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))

		_, execCtx2, _ := newRunner("cached", workflow.Dependencies{Clock: clock})
		out2, err := runner(context.Background(), execCtx2, src.Encode(), json.RawMessage(`null`))
		Expect(err).NotTo(HaveOccurred())
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)), "second call must be served from cache")
		Expect(out2).To(Equal(out1))
	})
})

var _ = Describe("Worker disconnect mid-execution", func() {
	It("reassigns a RUNNING execution to another worker once orphan_timeout elapses, preserving its persisted events", func() {
		ctx := context.Background()
		clock := clockwork.NewMock()

		events := testutil.NewEventStore()
		Expect(events.Append(ctx, "exec-orphan", []runtime.Event{
			{ExecutionID: "exec-orphan", Sequence: 1, Kind: runtime.WorkflowStarted, Time: clock.Now()},
			{ExecutionID: "exec-orphan", Sequence: 2, Kind: runtime.TaskStarted, Time: clock.Now()},
		})).To(Succeed())

		executions := testutil.NewExecutionStore()
		owner := "w1"
		Expect(executions.Create(ctx, runtime.Execution{
			ExecutionID:     "exec-orphan",
			State:           runtime.StateRunning,
			CurrentWorkerID: &owner,
			CreatedAt:       clock.Now(),
		})).To(Succeed())

		registry := dispatcher.NewRegistry()
		registry.Register(dispatcher.Worker{WorkerID: "w1", Status: dispatcher.WorkerOnline, LastSeen: clock.Now()})

		sender := newRecordingSender()
		d := dispatcher.NewDispatcher(executions, registry, sender, clock, nil, nil, dispatcher.Config{
			HeartbeatTimeout: 30 * time.Second,
			MaxClaimAttempts: 3,
		})

		// w1 goes silent; once its heartbeat is older than orphan_timeout,
		// the next pass must mark it OFFLINE and re-queue exec-orphan.
		clock.Add(time.Minute)
		for _, w := range registry.ExpireStale(clock.Now(), 30*time.Second) {
			d.WorkerOffline(ctx, w.WorkerID)
		}

		reverted, err := executions.Get(ctx, "exec-orphan")
		Expect(err).NotTo(HaveOccurred())
		Expect(reverted.State).To(Equal(runtime.StateScheduled))
		Expect(reverted.CurrentWorkerID).To(BeNil())
		Expect(reverted.ClaimAttempts).To(Equal(1))

		// A second worker comes online and the dispatcher's next tick
		// picks up the re-queued execution.
		registry.Register(dispatcher.Worker{WorkerID: "w2", Status: dispatcher.WorkerOnline, LastSeen: clock.Now()})
		d.Tick(ctx)

		reassigned, err := executions.Get(ctx, "exec-orphan")
		Expect(err).NotTo(HaveOccurred())
		Expect(reassigned.State).To(Equal(runtime.StateClaimed))
		Expect(reassigned.CurrentWorkerID).NotTo(BeNil())
		Expect(*reassigned.CurrentWorkerID).To(Equal("w2"))
		Expect(sender.sentTo["exec-orphan"]).To(Equal("w2"))

		// The event log predating the disconnect is untouched, so the new
		// worker resumes from the last persisted sequence rather than
		// replaying from scratch.
		resumed, err := events.Load(ctx, "exec-orphan")
		Expect(err).NotTo(HaveOccurred())
		Expect(resumed).To(HaveLen(2))
		Expect(resumed[len(resumed)-1].Sequence).To(Equal(int64(2)))
	})
})
