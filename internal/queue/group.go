package queue

import (
	"context"
	"errors"
	"fmt"

	"task-ledger/internal/models"
)

// ErrUnknownQueue is returned when a request names a queue no coordinator owns
var ErrUnknownQueue = errors.New("unknown queue")

// Group routes requests to the coordinator owning each queue. The first
// coordinator is the default queue.
type Group struct {
	ledger       Ledger
	defaultQueue string
	coordinators map[string]*Coordinator
	order        []string
}

// NewGroup creates a group over coordinators
func NewGroup(ledger Ledger, coordinators ...*Coordinator) *Group {
	g := &Group{
		ledger:       ledger,
		coordinators: make(map[string]*Coordinator, len(coordinators)),
	}
	for _, c := range coordinators {
		if _, dup := g.coordinators[c.Name()]; dup {
			continue
		}
		if g.defaultQueue == "" {
			g.defaultQueue = c.Name()
		}
		g.coordinators[c.Name()] = c
		g.order = append(g.order, c.Name())
	}
	return g
}

// Names returns the queue names in registration order
func (g *Group) Names() []string {
	return append([]string(nil), g.order...)
}

// Get returns the coordinator for queue; an empty name selects the default queue
func (g *Group) Get(queue string) (*Coordinator, error) {
	if queue == "" {
		queue = g.defaultQueue
	}
	c, ok := g.coordinators[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	return c, nil
}

// Start starts every coordinator
func (g *Group) Start() {
	for _, name := range g.order {
		g.coordinators[name].Start()
	}
}

// Stop stops every coordinator
func (g *Group) Stop() {
	for _, name := range g.order {
		g.coordinators[name].Stop()
	}
}

// AddTask admits a task on queue
func (g *Group) AddTask(ctx context.Context, queue, name string, data any) (*models.Task, error) {
	c, err := g.Get(queue)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return c.AddTask(ctx, name, data)
}

// DeleteTask deletes a task through the coordinator of the queue it belongs to
func (g *Group) DeleteTask(ctx context.Context, jobID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	task, err := g.ledger.GetTask(ctx, jobID)
	if err != nil {
		return err
	}
	queue := ""
	if task.Queue != nil {
		queue = task.Queue.Name
	}
	c, ok := g.coordinators[queue]
	if !ok {
		return fmt.Errorf("%w: %q owns task %s", ErrUnknownQueue, queue, jobID)
	}
	return c.DeleteTask(ctx, jobID)
}

// ListTasks lists tasks across every queue, or one queue when q.Queue is set
func (g *Group) ListTasks(ctx context.Context, q models.TaskQuery) (*models.TaskPage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if q.Queue != "" {
		c, err := g.Get(q.Queue)
		if err != nil {
			return nil, err
		}
		return c.ListTasksPaginated(ctx, q.Page, q.PageSize, q.Status)
	}
	return g.ledger.ListTasks(ctx, q)
}

// ListQueues returns the health rows of every queue known to the ledger
func (g *Group) ListQueues(ctx context.Context) ([]models.Queue, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return g.ledger.ListQueues(ctx)
}

// Ping checks the ledger is reachable
func (g *Group) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return g.ledger.Ping(ctx)
}
