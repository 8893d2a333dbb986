package fleet

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a scrape task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskPending           TaskStatus = "PENDING"
	TaskInProgress        TaskStatus = "IN_PROGRESS"
	TaskCompleted         TaskStatus = "COMPLETED"
	TaskFailed            TaskStatus = "FAILED"
	TaskPermanentlyFailed TaskStatus = "PERMANENTLY_FAILED"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed, TaskPermanentlyFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the task will not be dispatched again without an
// operator retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskPermanentlyFailed
}

// WorkerStatus represents the last-known connection state of a worker.
type WorkerStatus string

// Worker status values persisted in the worker store.
const (
	WorkerDisconnected WorkerStatus = "DISCONNECTED"
	WorkerConnected    WorkerStatus = "CONNECTED"
	WorkerBusy         WorkerStatus = "BUSY"
	WorkerBlocked      WorkerStatus = "BLOCKED"
)

// Valid reports whether s is a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerDisconnected, WorkerConnected, WorkerBusy, WorkerBlocked:
		return true
	default:
		return false
	}
}

// ErrorType classifies a failure reported by a worker. The coordinator never
// infers these; it records them verbatim.
type ErrorType string

// Failure types workers may report.
const (
	ErrorCaptcha   ErrorType = "CAPTCHA"
	ErrorBlocked   ErrorType = "BLOCKED"
	ErrorThrottled ErrorType = "THROTTLED"
	ErrorNetwork   ErrorType = "NETWORK"
	ErrorParse     ErrorType = "PARSE_ERROR"
	ErrorTimeout   ErrorType = "TIMEOUT"
)

// Valid reports whether t is one of the worker-reportable failure types.
func (t ErrorType) Valid() bool {
	switch t {
	case ErrorCaptcha, ErrorBlocked, ErrorThrottled, ErrorNetwork, ErrorParse, ErrorTimeout:
		return true
	default:
		return false
	}
}

// DefaultMaxAttempts bounds retries when a task is created without an explicit limit.
const DefaultMaxAttempts = 3

// Task is one unit of scraping work.
type Task struct {
	ID               string          `json:"id"`
	URL              string          `json:"url"`
	Priority         int             `json:"priority"`
	Status           TaskStatus      `json:"status"`
	AttemptCount     int             `json:"attemptCount"`
	MaxAttempts      int             `json:"maxAttempts"`
	AssignedWorkerID string          `json:"assignedWorkerId,omitempty"`
	BotID            string          `json:"botId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	StartedAt        *time.Time      `json:"startedAt,omitempty"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
	LastError        string          `json:"lastError,omitempty"`
	LastErrorType    ErrorType       `json:"lastErrorType,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

// NetworkInfo is the external network identity a worker reports.
type NetworkInfo struct {
	ExternalIP    string     `json:"externalIp,omitempty"`
	ISPName       string     `json:"ispName,omitempty"`
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
}

// WorkerStats holds the cumulative counters a worker reports about itself.
// They are kept apart from the coordinator's own counters.
type WorkerStats struct {
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	Uptime         int64 `json:"uptime"`
}

// Worker is a remote scraping process known to the coordinator.
type Worker struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Token          string       `json:"-"`
	Status         WorkerStatus `json:"status"`
	LastHeartbeat  *time.Time   `json:"lastHeartbeat,omitempty"`
	Network        NetworkInfo  `json:"network"`
	CurrentTaskID  string       `json:"currentTaskId,omitempty"`
	AssignedAt     *time.Time   `json:"assignedAt,omitempty"`
	ReportedStats  *WorkerStats `json:"reportedStats,omitempty"`
	TasksCompleted int64        `json:"tasksCompleted"`
	TasksFailed    int64        `json:"tasksFailed"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Result is one scraped product record attached to a completed task.
type Result struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"taskId"`
	ProductURL   string          `json:"productUrl"`
	Title        string          `json:"title,omitempty"`
	Price        *float64        `json:"price,omitempty"`
	Currency     string          `json:"currency,omitempty"`
	Availability string          `json:"availability,omitempty"`
	ImageURL     string          `json:"imageUrl,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	ScrapedAt    time.Time       `json:"scrapedAt"`
}

// ApprovalPending marks a product that still needs an operator decision.
const ApprovalPending = "PENDING_APPROVAL"

// Product is the approval-oriented record folded from results of bot-owned tasks.
type Product struct {
	ID             string    `json:"id"`
	BotID          string    `json:"botId"`
	ProductURL     string    `json:"productUrl"`
	Title          string    `json:"title,omitempty"`
	Price          *float64  `json:"price,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	ApprovalStatus string    `json:"approvalStatus"`
	LastTaskID     string    `json:"lastTaskId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TaskFilter narrows task listings. Zero values mean "no filter".
type TaskFilter struct {
	Status   TaskStatus
	WorkerID string
	Limit    int
	Offset   int
}

// Completion carries everything persisted when a worker finishes a task.
type Completion struct {
	TaskID   string
	WorkerID string
	Results  []Result
	Metrics  json.RawMessage
	At       time.Time
}

// DispatchRequest asks the dispatcher to try one assignment. An empty
// WorkerID means any available worker.
type DispatchRequest struct {
	WorkerID string
	Reason   string
}
