package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a lifecycle milestone.
type Kind string

// Supported lifecycle kinds.
const (
	WorkerConnected       Kind = "WORKER_CONNECTED"
	WorkerDisconnected    Kind = "WORKER_DISCONNECTED"
	WorkerTimedOut        Kind = "WORKER_TIMED_OUT"
	TaskAssigned          Kind = "TASK_ASSIGNED"
	TaskCompleted         Kind = "TASK_COMPLETED"
	TaskFailed            Kind = "TASK_FAILED"
	TaskRequeued          Kind = "TASK_REQUEUED"
	TaskPermanentlyFailed Kind = "TASK_PERMANENTLY_FAILED"
)

// Event is one lifecycle milestone.
type Event struct {
	Kind      Kind      `json:"kind"`
	TS        time.Time `json:"ts"`
	WorkerID  string    `json:"workerId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// WorkerScoped reports whether the kind describes a worker rather than a task.
func (k Kind) WorkerScoped() bool {
	switch k {
	case WorkerConnected, WorkerDisconnected, WorkerTimedOut:
		return true
	default:
		return false
	}
}

// Validate rejects events sinks cannot attribute.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case WorkerConnected, WorkerDisconnected, WorkerTimedOut:
		if e.WorkerID == "" {
			return fmt.Errorf("%s requires worker id", e.Kind)
		}
	case TaskAssigned, TaskCompleted, TaskFailed, TaskRequeued, TaskPermanentlyFailed:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Attributes exposes routing fields for message brokers.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"kind":      string(e.Kind),
		"workerId":  e.WorkerID,
		"taskId":    e.TaskID,
		"errorType": e.ErrorType,
	}
}
