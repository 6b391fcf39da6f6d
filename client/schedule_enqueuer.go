package client

import (
	"context"
	"encoding/json"

	"github.com/fluxworkflow/flux/runtime"
)

// nonTerminalStates are the states ScheduleEnqueuer.IsRunning scans when
// looking for an in-flight execution belonging to a schedule.
var nonTerminalStates = []runtime.State{
	runtime.StateScheduled, runtime.StateClaimed, runtime.StateRunning, runtime.StatePaused, runtime.StateCancelling,
}

// ScheduleEnqueuer adapts Client to scheduler.Enqueuer and
// scheduler.RunningChecker, so the scheduler can fire new executions
// through the same admin-API path a caller's run() would use. Every
// execution it starts is tagged with its schedule_id so IsRunning can
// answer the concurrency guard of spec §4.6 by scanning non-terminal
// executions rather than keeping parallel in-memory bookkeeping that
// would not survive a server restart.
type ScheduleEnqueuer struct {
	client *Client
}

func NewScheduleEnqueuer(c *Client) *ScheduleEnqueuer {
	return &ScheduleEnqueuer{client: c}
}

// Enqueue starts workflowName asynchronously with input, tagged with
// scheduleID, the body the scheduler calls on every due fire.
func (e *ScheduleEnqueuer) Enqueue(ctx context.Context, scheduleID, workflowName string, input json.RawMessage) (string, error) {
	exec, err := e.client.Run(ctx, workflowName, input, RunAsync, RunOptions{ScheduleID: scheduleID})
	if err != nil {
		return "", err
	}
	return exec.ExecutionID, nil
}

// IsRunning reports whether any non-terminal execution is currently
// tagged with scheduleID.
func (e *ScheduleEnqueuer) IsRunning(ctx context.Context, scheduleID string) (bool, error) {
	for _, state := range nonTerminalStates {
		execs, err := e.client.Executions.ListByState(ctx, state)
		if err != nil {
			return false, err
		}
		for _, exec := range execs {
			if exec.ScheduleID == scheduleID {
				return true, nil
			}
		}
	}
	return false, nil
}
