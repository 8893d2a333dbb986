package fleet

import (
	"fmt"
	"net/url"
	"time"
)

// WorkerEvent is an input to the worker status state machine.
type WorkerEvent string

// Worker events recognised by NextWorkerStatus.
const (
	EventConnect          WorkerEvent = "connect"
	EventDisconnect       WorkerEvent = "disconnect"
	EventHeartbeatIdle    WorkerEvent = "heartbeat_idle"
	EventHeartbeatBusy    WorkerEvent = "heartbeat_busy"
	EventHeartbeatBlocked WorkerEvent = "heartbeat_blocked"
	EventAssign           WorkerEvent = "assign"
	EventOutcome          WorkerEvent = "outcome"
	EventTimeout          WorkerEvent = "timeout"
	EventReset            WorkerEvent = "reset"
)

// NextWorkerStatus returns the status a worker moves to when ev happens in
// state current. Self-reports and transport events are accepted from any
// state; assignment requires CONNECTED and a timeout only demotes workers the
// coordinator believes are live.
func NextWorkerStatus(current WorkerStatus, ev WorkerEvent) (WorkerStatus, error) {
	if !current.Valid() {
		return current, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
	switch ev {
	case EventConnect, EventHeartbeatIdle, EventOutcome:
		return WorkerConnected, nil
	case EventHeartbeatBusy:
		return WorkerBusy, nil
	case EventHeartbeatBlocked:
		return WorkerBlocked, nil
	case EventDisconnect, EventReset:
		return WorkerDisconnected, nil
	case EventAssign:
		if current != WorkerConnected {
			return current, fmt.Errorf("%w: cannot assign work to %s worker", ErrInvalidTransition, current)
		}
		return WorkerBusy, nil
	case EventTimeout:
		if current != WorkerConnected && current != WorkerBusy {
			return current, fmt.Errorf("%w: %s worker cannot time out", ErrInvalidTransition, current)
		}
		return WorkerDisconnected, nil
	default:
		return current, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
	}
}

// Stale reports whether a worker the coordinator believes is live missed its
// heartbeat deadline. Without a heartbeat the last status change stands in.
func (w Worker) Stale(cutoff time.Time) bool {
	if w.Status != WorkerConnected && w.Status != WorkerBusy {
		return false
	}
	return w.LastSeen().Before(cutoff)
}

// LastSeen is the last heartbeat, or the last update when none was recorded.
func (w Worker) LastSeen() time.Time {
	if w.LastHeartbeat != nil {
		return *w.LastHeartbeat
	}
	return w.UpdatedAt
}

// Assign claims a PENDING task for workerID. Any other state is a conflict,
// which is what makes concurrent claims safe.
func (t *Task) Assign(workerID string, now time.Time) error {
	if workerID == "" {
		return fmt.Errorf("%w: worker id is required", ErrValidation)
	}
	if t.Status != TaskPending {
		return fmt.Errorf("%w: task %s is %s", ErrConflict, t.ID, t.Status)
	}
	started := now
	t.Status = TaskInProgress
	t.AssignedWorkerID = workerID
	t.StartedAt = &started
	t.UpdatedAt = now
	return nil
}

// Fail records a worker-reported failure and applies the escalation rule:
// the attempt counter is bumped and the task either re-enters the pool or,
// once attempts are exhausted, becomes PERMANENTLY_FAILED.
func (t *Task) Fail(workerID string, errType ErrorType, message string, now time.Time) error {
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: task %s is %s", ErrConflict, t.ID, t.Status)
	}
	if workerID != "" && t.AssignedWorkerID != workerID {
		return fmt.Errorf("%w: task %s is not assigned to worker %s", ErrConflict, t.ID, workerID)
	}
	maxAttempts := t.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	t.AttemptCount++
	t.LastError = message
	t.LastErrorType = errType
	t.AssignedWorkerID = ""
	t.UpdatedAt = now
	if t.AttemptCount >= maxAttempts {
		completed := now
		t.Status = TaskPermanentlyFailed
		t.CompletedAt = &completed
		return nil
	}
	t.Status = TaskPending
	t.StartedAt = nil
	return nil
}

// Complete marks the task COMPLETED. A completion from the assigned worker is
// accepted, as is a late report for a task that was already returned to the
// pool; terminal tasks and tasks held by another worker are conflicts.
func (t *Task) Complete(workerID string, result []byte, now time.Time) error {
	switch t.Status {
	case TaskInProgress:
		if workerID != "" && t.AssignedWorkerID != workerID {
			return fmt.Errorf("%w: task %s is assigned to another worker", ErrConflict, t.ID)
		}
	case TaskPending:
	default:
		return fmt.Errorf("%w: task %s is %s", ErrConflict, t.ID, t.Status)
	}
	completed := now
	t.Status = TaskCompleted
	t.AssignedWorkerID = ""
	t.CompletedAt = &completed
	t.LastError = ""
	t.LastErrorType = ""
	if len(result) > 0 {
		t.Result = append([]byte(nil), result...)
	}
	t.UpdatedAt = now
	return nil
}

// Retry is the operator reset: attempts and error fields are cleared and the
// task goes back to PENDING. Active tasks cannot be retried.
func (t *Task) Retry(now time.Time) error {
	if t.Status == TaskInProgress {
		return fmt.Errorf("%w: task %s is in progress", ErrConflict, t.ID)
	}
	t.Status = TaskPending
	t.AttemptCount = 0
	t.AssignedWorkerID = ""
	t.StartedAt = nil
	t.CompletedAt = nil
	t.LastError = ""
	t.LastErrorType = ""
	t.UpdatedAt = now
	return nil
}

// Release returns an IN_PROGRESS task to the pool without consuming an attempt.
func (t *Task) Release(now time.Time) error {
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: task %s is %s", ErrConflict, t.ID, t.Status)
	}
	t.Status = TaskPending
	t.AssignedWorkerID = ""
	t.StartedAt = nil
	t.UpdatedAt = now
	return nil
}

// Validate checks a task about to be created.
func (t Task) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("%w: url is required", ErrValidation)
	}
	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q must be an absolute http(s) URL", ErrValidation, t.URL)
	}
	if t.MaxAttempts < 0 {
		return fmt.Errorf("%w: maxAttempts must be >= 0", ErrValidation)
	}
	return nil
}
