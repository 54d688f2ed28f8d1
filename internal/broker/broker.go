package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"task-ledger/internal/models"
)

// State is the broker's view of a job
type State string

// Job states
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates lists every job state
var AllStates = []State{StateWaiting, StateActive, StateCompleted, StateFailed}

// TaskStatus maps a broker state onto the ledger status
func (s State) TaskStatus() (models.TaskStatus, bool) {
	switch s {
	case StateWaiting:
		return models.StatusWaiting, true
	case StateActive:
		return models.StatusActive, true
	case StateCompleted:
		return models.StatusCompleted, true
	case StateFailed:
		return models.StatusFailed, true
	}
	return "", false
}

var (
	// ErrBrokerUnavailable wraps every infrastructure failure of the broker
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrJobExists is returned when submitting a job id the queue already holds
	ErrJobExists = errors.New("job already exists")
	// ErrJobNotFound is returned when acting on a job the queue does not hold
	ErrJobNotFound = errors.New("job not found")
)

// Job is the broker-owned record of a unit of work
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data,omitempty"`
	State        State           `json:"state"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Notification announces that a job reached a terminal state. Delivery is
// best-effort: subscribers must tolerate missing notifications.
type Notification struct {
	Queue        string `json:"queue"`
	JobID        string `json:"jobId"`
	State        State  `json:"state"`
	FailedReason string `json:"failedReason,omitempty"`
}

// Broker is the job broker the ledger is reconciled against
type Broker interface {
	// Submit enqueues a job under the caller-chosen jobID.
	Submit(ctx context.Context, queue, name string, data json.RawMessage, jobID string) (*Job, error)
	// FetchByID returns the job, or nil when the queue does not hold it.
	FetchByID(ctx context.Context, queue, jobID string) (*Job, error)
	// ListByState lists jobs in any of the given states; no states means all.
	ListByState(ctx context.Context, queue string, states ...State) ([]*Job, error)
	CountsByState(ctx context.Context, queue string) (models.JobCounts, error)
	// Remove deletes a job. Removing an unknown job is not an error.
	Remove(ctx context.Context, queue, jobID string) error
	// Subscribe streams completion and failure notifications for queue.
	// The returned func detaches the subscription and closes the channel.
	Subscribe(queue string) (<-chan Notification, func())
	// PurgeAll drops every job of queue; without force it refuses while jobs are active.
	PurgeAll(ctx context.Context, queue string, force bool) error
	Close() error
}
