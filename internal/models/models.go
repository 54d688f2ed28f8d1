package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// TaskStatus is the ledger's view of where a task is in its lifecycle
type TaskStatus string

// Status constants
const (
	StatusWaiting   TaskStatus = "WAITING"
	StatusActive    TaskStatus = "ACTIVE"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusFailed    TaskStatus = "FAILED"
)

// rank orders statuses along WAITING -> ACTIVE -> {COMPLETED, FAILED}.
func (s TaskStatus) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// Valid reports whether s is one of the known statuses
func (s TaskStatus) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no transition leaves s
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next is a forward move
func (s TaskStatus) CanAdvanceTo(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Predecessors returns every status that may advance to s.
func (s TaskStatus) Predecessors() []TaskStatus {
	var out []TaskStatus
	for _, st := range []TaskStatus{StatusWaiting, StatusActive, StatusCompleted, StatusFailed} {
		if st.CanAdvanceTo(s) {
			out = append(out, st)
		}
	}
	return out
}

// ParseStatus accepts the status names case-insensitively; empty means no filter
func ParseStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusWaiting:
		return StatusWaiting, true
	case StatusActive:
		return StatusActive, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Queue is the ledger row for one named broker queue
type Queue struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"type:varchar(191);uniqueIndex;not null" json:"name"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
	Waiting   int64      `gorm:"not null;default:0" json:"waiting"`
	Active    int64      `gorm:"not null;default:0" json:"active"`
	Completed int64      `gorm:"not null;default:0" json:"completed"`
	Failed    int64      `gorm:"not null;default:0" json:"failed"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (Queue) TableName() string { return "queues" }

// Task is the ledger's record of one unit of work
type Task struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	JobID     string         `gorm:"type:varchar(191);uniqueIndex;not null" json:"jobId"`
	Name      string         `gorm:"type:varchar(191);not null" json:"name"`
	Status    TaskStatus     `gorm:"type:varchar(16);not null;default:'WAITING';index" json:"status"`
	Data      datatypes.JSON `json:"data,omitempty"`
	QueueID   uint           `gorm:"not null;index" json:"queueId"`
	Queue     *Queue         `gorm:"foreignKey:QueueID" json:"queue,omitempty"`
	CreatedAt time.Time      `gorm:"index" json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (Task) TableName() string { return "tasks" }

// JobCounts holds last-observed broker counts per state
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// TaskQuery selects one page of tasks
type TaskQuery struct {
	Page     int
	PageSize int
	Status   TaskStatus // empty means any
	Queue    string     // empty means every queue
}

// TaskPage is one page of tasks plus the total for the same filter
type TaskPage struct {
	Data  []Task `json:"data"`
	Count int64  `json:"count"`
}

// AddTaskRequest represents a task admission request
type AddTaskRequest struct {
	Queue string         `json:"queue,omitempty"`
	Name  string         `json:"name"`
	Data  datatypes.JSON `json:"data,omitempty"`
}

// Paging defaults
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize fills defaults and clamps the page size
func (q TaskQuery) Normalize() TaskQuery {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}
