package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"task-ledger/internal/broker"
	"task-ledger/internal/database"
	"task-ledger/internal/events"
	"task-ledger/internal/models"
	"task-ledger/internal/reconciler"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ErrInvalidTask is returned for admission requests that cannot be accepted
var ErrInvalidTask = errors.New("invalid task")

// Ledger is the task ledger as seen by a coordinator
type Ledger interface {
	reconciler.Ledger
	UpsertQueue(ctx context.Context, name string) (*models.Queue, error)
	CreateTask(ctx context.Context, name, jobID string, queueID uint, data datatypes.JSON) (*models.Task, error)
	GetTask(ctx context.Context, jobID string) (*models.Task, error)
	ListTasks(ctx context.Context, q models.TaskQuery) (*models.TaskPage, error)
	ListQueues(ctx context.Context) ([]models.Queue, error)
	Ping(ctx context.Context) error
}

// Coordinator owns one named queue: admission, deletion, queries, and the
// reconciler that keeps its ledger rows in line with the broker.
type Coordinator struct {
	name   string
	ledger Ledger
	broker broker.Broker
	bus    reconciler.Publisher
	rec    *reconciler.Reconciler
}

// New creates a coordinator for queue name
func New(name string, ledger Ledger, b broker.Broker, bus reconciler.Publisher, cfg reconciler.Config) *Coordinator {
	return &Coordinator{
		name:   name,
		ledger: ledger,
		broker: b,
		bus:    bus,
		rec:    reconciler.New(name, ledger, b, bus, cfg),
	}
}

// Name returns the queue name
func (c *Coordinator) Name() string { return c.name }

// Start starts reconciliation
func (c *Coordinator) Start() { c.rec.Start() }

// Stop stops timers and broker listeners, waiting for in-flight cycles
func (c *Coordinator) Stop() { c.rec.Stop() }

// AddTask admits a task: the ledger row is written before the job is
// submitted so the broker never holds a job the ledger has not seen. If the
// submission fails the WAITING row stays behind until the sweep removes it.
func (c *Coordinator) AddTask(ctx context.Context, name string, data any) (*models.Task, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	payload, err := encodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	jobID := newJobID(name)
	q, err := c.ledger.UpsertQueue(ctx, c.name)
	if err != nil {
		return nil, err
	}
	task, err := c.ledger.CreateTask(ctx, name, jobID, q.ID, payload)
	if err != nil {
		return nil, err
	}

	if _, err := c.broker.Submit(ctx, c.name, name, json.RawMessage(payload), jobID); err != nil {
		log.Printf("[ERROR] queue=%s JobID=%s submit failed, ledger row left for the sweep: %v", c.name, jobID, err)
		return nil, fmt.Errorf("submit %s: %w", jobID, err)
	}

	task.Queue = q
	log.Printf("[SUBMIT] queue=%s JobID=%s Task=%s Status=%s", c.name, jobID, name, task.Status)
	c.bus.Publish(events.TopicTaskAdded, task)
	return task, nil
}

// DeleteTask removes the task from the broker and the ledger concurrently.
// A task this queue does not hold yields database.ErrNotFound and touches
// neither side. A failure on one side does not undo the other.
func (c *Coordinator) DeleteTask(ctx context.Context, jobID string) error {
	task, err := c.ledger.GetTask(ctx, jobID)
	if err != nil {
		return err
	}
	if task.Queue == nil || task.Queue.Name != c.name {
		return fmt.Errorf("%w: task %s in queue %s", database.ErrNotFound, jobID, c.name)
	}

	var brokerErr, ledgerErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		brokerErr = c.broker.Remove(ctx, c.name, jobID)
	}()
	go func() {
		defer wg.Done()
		ledgerErr = c.ledger.DeleteTask(ctx, jobID)
	}()
	wg.Wait()

	if brokerErr != nil {
		log.Printf("[ERROR] queue=%s JobID=%s broker remove failed: %v", c.name, jobID, brokerErr)
		brokerErr = fmt.Errorf("remove job %s: %w", jobID, brokerErr)
	}
	if ledgerErr != nil {
		log.Printf("[ERROR] queue=%s JobID=%s ledger delete failed: %v", c.name, jobID, ledgerErr)
		ledgerErr = fmt.Errorf("delete task %s: %w", jobID, ledgerErr)
	}
	if brokerErr == nil && ledgerErr == nil {
		log.Printf("[DELETE] queue=%s JobID=%s", c.name, jobID)
	}
	return errors.Join(brokerErr, ledgerErr)
}

// ListTasksPaginated returns one page of this queue's tasks, newest first
func (c *Coordinator) ListTasksPaginated(ctx context.Context, page, pageSize int, status models.TaskStatus) (*models.TaskPage, error) {
	return c.ledger.ListTasks(ctx, models.TaskQuery{
		Page:     page,
		PageSize: pageSize,
		Status:   status,
		Queue:    c.name,
	})
}

// Obliterate drops every broker job of the queue, active ones included.
// Ledger rows are left to the sweep.
func (c *Coordinator) Obliterate(ctx context.Context) error {
	return c.broker.PurgeAll(ctx, c.name, true)
}

// newJobID derives a job id from the task name and a time-ordered UUID
func newJobID(name string) string {
	return fmt.Sprintf("%s-%s", name, uuid.Must(uuid.NewV7()))
}

func encodePayload(data any) (datatypes.JSON, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, errors.New("data is not valid JSON")
		}
		return datatypes.JSON(v), nil
	case datatypes.JSON:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, errors.New("data is not valid JSON")
		}
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// opTimeout bounds requests routed through a Group when the caller sets no deadline
const opTimeout = 10 * time.Second

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}
