package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

// Event names on the /workers channel.
const (
	EventRegistered     = "worker:registered"
	EventTaskAssigned   = "task:assigned"
	EventTaskCancelled  = "task:cancelled"
	EventConfigUpdate   = "worker:config_update"
	EventError          = "error"
	EventHeartbeat      = "worker:heartbeat"
	EventTaskStarted    = "task:started"
	EventTaskCompleted  = "task:completed"
	EventTaskFailed     = "task:failed"
	EventNetworkChanged = "worker:network_changed"
)

// Codes carried by outbound error events.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodePersistence = "PERSISTENCE_ERROR"
	CodeRateLimited = "RATE_LIMITED"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionConfig carries the tunables a worker honours client-side, in
// milliseconds.
type SessionConfig struct {
	HeartbeatInterval int64 `json:"heartbeatInterval"`
	TaskTimeout       int64 `json:"taskTimeout"`
}

// Registered acknowledges a successful connection.
type Registered struct {
	WorkerID   string        `json:"workerId"`
	ServerTime time.Time     `json:"serverTime"`
	Config     SessionConfig `json:"config"`
}

// Assigned hands a task to a worker.
type Assigned struct {
	TaskID        string    `json:"taskId"`
	ProductURL    string    `json:"productUrl"`
	Priority      int       `json:"priority"`
	AttemptNumber int       `json:"attemptNumber"`
	AssignedAt    time.Time `json:"assignedAt"`
}

// ErrorMessage reports a failed inbound event back to the worker.
type ErrorMessage struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NetworkPayload is the network identity a worker reports.
type NetworkPayload struct {
	ExternalIP    string     `json:"externalIp"`
	ISPName       string     `json:"ispName"`
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
}

// HeartbeatPayload is the body of worker:heartbeat.
type HeartbeatPayload struct {
	Status        string             `json:"status"`
	CurrentTaskID *string            `json:"currentTaskId,omitempty"`
	NetworkInfo   *NetworkPayload    `json:"networkInfo,omitempty"`
	Stats         *fleet.WorkerStats `json:"stats,omitempty"`
}

// StartedPayload is the body of task:started.
type StartedPayload struct {
	TaskID    string    `json:"taskId"`
	StartedAt time.Time `json:"startedAt"`
}

// CompletedPayload is the body of task:completed. Workers send either a
// single result or a list.
type CompletedPayload struct {
	TaskID      string            `json:"taskId"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Results     []json.RawMessage `json:"results,omitempty"`
	Metrics     json.RawMessage   `json:"metrics,omitempty"`
}

// FailurePayload describes a worker-side failure.
type FailurePayload struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// FailedPayload is the body of task:failed.
type FailedPayload struct {
	TaskID   string          `json:"taskId"`
	FailedAt *time.Time      `json:"failedAt,omitempty"`
	Error    FailurePayload  `json:"error"`
	Metrics  json.RawMessage `json:"metrics,omitempty"`
}

type resultItem struct {
	ProductURL   string   `json:"productUrl"`
	Title        string   `json:"title"`
	Price        *float64 `json:"price"`
	Currency     string   `json:"currency"`
	Availability string   `json:"availability"`
	ImageURL     string   `json:"imageUrl"`
}

func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing data", fleet.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", fleet.ErrValidation, err)
	}
	return nil
}

func statusFromHeartbeat(s string) (fleet.WorkerStatus, error) {
	switch strings.ToLower(s) {
	case "idle":
		return fleet.WorkerConnected, nil
	case "busy":
		return fleet.WorkerBusy, nil
	case "blocked":
		return fleet.WorkerBlocked, nil
	default:
		return "", fmt.Errorf("%w: heartbeat status %q", fleet.ErrValidation, s)
	}
}

func (n NetworkPayload) validate() error {
	if strings.TrimSpace(n.ExternalIP) == "" && strings.TrimSpace(n.ISPName) == "" {
		return fmt.Errorf("%w: network info is empty", fleet.ErrValidation)
	}
	return nil
}

func (n NetworkPayload) info() fleet.NetworkInfo {
	return fleet.NetworkInfo{
		ExternalIP:    strings.TrimSpace(n.ExternalIP),
		ISPName:       strings.TrimSpace(n.ISPName),
		LastCheckedAt: n.LastCheckedAt,
	}
}

func requireTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: taskId is required", fleet.ErrValidation)
	}
	return nil
}

func (p StartedPayload) validate() error {
	if err := requireTaskID(p.TaskID); err != nil {
		return err
	}
	if p.StartedAt.IsZero() {
		return fmt.Errorf("%w: startedAt is required", fleet.ErrValidation)
	}
	return nil
}

func (p FailedPayload) validate() error {
	if err := requireTaskID(p.TaskID); err != nil {
		return err
	}
	if !fleet.ErrorType(p.Error.Type).Valid() {
		return fmt.Errorf("%w: unknown error type %q", fleet.ErrValidation, p.Error.Type)
	}
	return nil
}

// results normalises the single-result and list forms into result records.
// Each record keeps the worker's original JSON as Raw.
func (p CompletedPayload) results() ([]fleet.Result, error) {
	if err := requireTaskID(p.TaskID); err != nil {
		return nil, err
	}
	items := p.Results
	if len(items) == 0 && !isNull(p.Result) {
		items = []json.RawMessage{p.Result}
	}
	out := make([]fleet.Result, 0, len(items))
	for i, raw := range items {
		var item resultItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: result %d: %v", fleet.ErrValidation, i, err)
		}
		u, err := url.Parse(strings.TrimSpace(item.ProductURL))
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: result %d: productUrl %q is not absolute", fleet.ErrValidation, i, item.ProductURL)
		}
		out = append(out, fleet.Result{
			ProductURL:   u.String(),
			Title:        item.Title,
			Price:        item.Price,
			Currency:     item.Currency,
			Availability: item.Availability,
			ImageURL:     item.ImageURL,
			Raw:          append(json.RawMessage(nil), raw...),
		})
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func encode(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	msg, err := json.Marshal(Envelope{Event: event, Data: body})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return msg, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, fleet.ErrValidation):
		return CodeValidation
	case errors.Is(err, fleet.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, fleet.ErrConflict), errors.Is(err, fleet.ErrInvalidTransition):
		return CodeConflict
	default:
		return CodePersistence
	}
}
