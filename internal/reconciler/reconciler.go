package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"task-ledger/internal/broker"
	"task-ledger/internal/database"
	"task-ledger/internal/events"
	"task-ledger/internal/models"
)

// Ledger is the part of the task ledger the reconciler writes to
type Ledger interface {
	GetQueue(ctx context.Context, name string) (*models.Queue, error)
	UpdateQueueHealth(ctx context.Context, name string, checkedAt time.Time, counts models.JobCounts) error
	UpdateTaskStatus(ctx context.Context, jobID string, status models.TaskStatus) (*models.Task, error)
	ListQueueTasks(ctx context.Context, queueID uint) ([]models.Task, error)
	DeleteTask(ctx context.Context, jobID string) error
}

// Publisher receives taskUpdated events
type Publisher interface {
	Publish(topic string, payload any)
}

// Config controls the polling intervals
type Config struct {
	// Interval is the base period of the health check and the active scan.
	Interval time.Duration
	// SweepEvery is the number of base intervals between full sweeps.
	SweepEvery int
	// Grace protects freshly admitted ledger rows from the sweep.
	Grace time.Duration
	// OpTimeout bounds each reconciliation cycle.
	OpTimeout time.Duration
}

// Defaults
const (
	DefaultInterval   = 5 * time.Second
	DefaultSweepEvery = 12
	DefaultOpTimeout  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = DefaultSweepEvery
	}
	if c.Grace <= 0 {
		c.Grace = c.Interval
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	return c
}

// Reconciler keeps one queue's ledger rows in line with the broker. It is the
// only writer of task status after admission, and every write is a forward-only
// compare-and-set, so the fast path and the pollers can race safely.
type Reconciler struct {
	queue  string
	ledger Ledger
	broker broker.Broker
	bus    Publisher
	cfg    Config

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a reconciler for queue
func New(queue string, ledger Ledger, b broker.Broker, bus Publisher, cfg Config) *Reconciler {
	return &Reconciler{
		queue:  queue,
		ledger: ledger,
		broker: b,
		bus:    bus,
		cfg:    cfg.withDefaults(),
	}
}

// Config returns the effective configuration
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Start attaches to the broker's notification stream and starts the pollers
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})

	notes, unsubscribe := r.broker.Subscribe(r.queue)
	r.unsubscribe = unsubscribe

	r.wg.Add(4)
	go r.listen(notes)
	go r.every(r.cfg.Interval, "health check", r.CheckHealth)
	go r.every(r.cfg.Interval, "active scan", r.ScanActive)
	go r.every(r.cfg.Interval*time.Duration(r.cfg.SweepEvery), "sweep", r.Sweep)

	log.Printf("[RECONCILE] queue=%s started interval=%s sweep=%s",
		r.queue, r.cfg.Interval, r.cfg.Interval*time.Duration(r.cfg.SweepEvery))
}

// Stop stops the pollers, detaches from the broker and waits for in-flight cycles
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	r.unsubscribe()
	r.mu.Unlock()

	r.wg.Wait()
	log.Printf("[RECONCILE] queue=%s stopped", r.queue)
}

func (r *Reconciler) listen(notes <-chan broker.Notification) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			r.run("notification", func(ctx context.Context) error {
				return r.HandleNotification(ctx, n)
			})
		}
	}
}

func (r *Reconciler) every(d time.Duration, name string, fn func(context.Context) error) {
	defer r.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.run(name, fn)
		}
	}
}

// run executes one cycle on its own context so Stop lets it finish.
func (r *Reconciler) run(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("[ERROR] queue=%s %s failed: %v", r.queue, name, err)
	}
}

// HandleNotification applies a completion or failure notification. A
// notification whose job the broker no longer knows is dropped.
func (r *Reconciler) HandleNotification(ctx context.Context, n broker.Notification) error {
	status, ok := n.State.TaskStatus()
	if !ok || !status.Terminal() {
		return nil
	}

	job, err := r.broker.FetchByID(ctx, r.queue, n.JobID)
	if err != nil {
		return fmt.Errorf("resolve job %s: %w", n.JobID, err)
	}
	if job == nil {
		log.Printf("[RECONCILE] queue=%s dropped %s notification for unknown job %s", r.queue, n.State, n.JobID)
		return nil
	}

	_, err = r.advance(ctx, job.ID, status)
	return err
}

// CheckHealth records broker counts on the queue row and corrects every
// ledger status that lags the broker.
func (r *Reconciler) CheckHealth(ctx context.Context) error {
	counts, err := r.broker.CountsByState(ctx, r.queue)
	if err != nil {
		return fmt.Errorf("job counts: %w", err)
	}
	byState := make(map[broker.State][]*broker.Job, len(broker.AllStates))
	for _, state := range broker.AllStates {
		jobs, err := r.broker.ListByState(ctx, r.queue, state)
		if err != nil {
			return fmt.Errorf("list %s jobs: %w", state, err)
		}
		byState[state] = jobs
	}

	var errs []error
	err = r.ledger.UpdateQueueHealth(ctx, r.queue, time.Now(), counts)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		errs = append(errs, fmt.Errorf("queue health: %w", err))
	}
	log.Printf("[HEALTH] queue=%s waiting=%d active=%d completed=%d failed=%d",
		r.queue, counts.Waiting, counts.Active, counts.Completed, counts.Failed)

	for _, state := range broker.AllStates {
		status, _ := state.TaskStatus()
		if err := r.syncStatuses(ctx, byState[state], status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScanActive re-asserts ACTIVE for jobs the broker reports active. Active has
// no terminal notification, so this is the only path that observes it.
func (r *Reconciler) ScanActive(ctx context.Context) error {
	jobs, err := r.broker.ListByState(ctx, r.queue, broker.StateActive)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	return r.syncStatuses(ctx, jobs, models.StatusActive)
}

// Sweep removes broker jobs that have no ledger row and ledger rows that
// have no broker job. The broker is read first: the coordinator writes the
// ledger before submitting, so every job in that snapshot already has its
// row. Rows younger than the grace period are kept because their job may
// not be submitted yet.
func (r *Reconciler) Sweep(ctx context.Context) error {
	jobs, err := r.broker.ListByState(ctx, r.queue)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	tasks := []models.Task{}
	q, err := r.ledger.GetQueue(ctx, r.queue)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load queue: %w", err)
	default:
		if tasks, err = r.ledger.ListQueueTasks(ctx, q.ID); err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
	}

	inLedger := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inLedger[t.JobID] = true
	}
	inBroker := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		inBroker[j.ID] = true
	}

	var errs []error
	removed, deleted := 0, 0
	for _, j := range jobs {
		if inLedger[j.ID] {
			continue
		}
		if err := r.broker.Remove(ctx, r.queue, j.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove orphaned job %s: %w", j.ID, err))
			continue
		}
		removed++
	}

	cutoff := time.Now().Add(-r.cfg.Grace)
	for _, t := range tasks {
		if inBroker[t.JobID] || t.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.ledger.DeleteTask(ctx, t.JobID); err != nil && !errors.Is(err, database.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete orphaned task %s: %w", t.JobID, err))
			continue
		}
		deleted++
	}

	if removed > 0 || deleted > 0 {
		log.Printf("[SWEEP] queue=%s removed %d orphaned jobs, deleted %d orphaned tasks", r.queue, removed, deleted)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) syncStatuses(ctx context.Context, jobs []*broker.Job, status models.TaskStatus) error {
	var errs []error
	for _, job := range jobs {
		if _, err := r.advance(ctx, job.ID, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// advance writes status if it is a forward move and publishes the change.
func (r *Reconciler) advance(ctx context.Context, jobID string, status models.TaskStatus) (*models.Task, error) {
	task, err := r.ledger.UpdateTaskStatus(ctx, jobID, status)
	if err != nil {
		return nil, fmt.Errorf("set %s to %s: %w", jobID, status, err)
	}
	if task == nil {
		return nil, nil
	}
	r.bus.Publish(events.TopicTaskUpdated, task)
	return task, nil
}
