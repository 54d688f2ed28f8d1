package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"task-ledger/internal/models"
)

// Memory is an in-process Broker. Workers pull jobs with Take and report
// outcomes with Complete or Fail, which emit notifications.
type Memory struct {
	mu      sync.Mutex
	queues  map[string]*memQueue
	bufSize int
	closed  bool
}

type memQueue struct {
	jobs    map[string]*Job
	order   []string // submission order
	waiting []string // FIFO of waiting job ids
	subs    map[chan Notification]struct{}
}

// NewMemory creates an in-process broker. bufSize bounds each subscriber's
// notification buffer; notifications beyond it are dropped.
func NewMemory(bufSize int) *Memory {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Memory{
		queues:  make(map[string]*memQueue),
		bufSize: bufSize,
	}
}

var _ Broker = (*Memory)(nil)

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{
			jobs: make(map[string]*Job),
			subs: make(map[chan Notification]struct{}),
		}
		m.queues[name] = q
	}
	return q
}

// check must be called with m.mu held
func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	if m.closed {
		return fmt.Errorf("%w: broker closed", ErrBrokerUnavailable)
	}
	return nil
}

// Submit enqueues a job in the waiting state
func (m *Memory) Submit(ctx context.Context, queue, name string, data json.RawMessage, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	q := m.queue(queue)
	if _, exists := q.jobs[jobID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	job := &Job{
		ID:        jobID,
		Name:      name,
		Queue:     queue,
		Data:      data,
		State:     StateWaiting,
		CreatedAt: time.Now().UTC(),
	}
	q.jobs[jobID] = job
	q.order = append(q.order, jobID)
	q.waiting = append(q.waiting, jobID)
	return job.clone(), nil
}

// FetchByID returns a copy of the job or nil
func (m *Memory) FetchByID(ctx context.Context, queue, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	job, ok := m.queue(queue).jobs[jobID]
	if !ok {
		return nil, nil
	}
	return job.clone(), nil
}

// ListByState lists jobs in submission order
func (m *Memory) ListByState(ctx context.Context, queue string, states ...State) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	q := m.queue(queue)
	jobs := []*Job{}
	for _, id := range q.order {
		job := q.jobs[id]
		if len(want) == 0 || want[job.State] {
			jobs = append(jobs, job.clone())
		}
	}
	return jobs, nil
}

// CountsByState counts jobs per state
func (m *Memory) CountsByState(ctx context.Context, queue string) (models.JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts models.JobCounts
	if err := m.check(ctx); err != nil {
		return counts, err
	}
	for _, job := range m.queue(queue).jobs {
		switch job.State {
		case StateWaiting:
			counts.Waiting++
		case StateActive:
			counts.Active++
		case StateCompleted:
			counts.Completed++
		case StateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// Remove deletes a job in any state
func (m *Memory) Remove(ctx context.Context, queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	q := m.queue(queue)
	if _, ok := q.jobs[jobID]; !ok {
		return nil
	}
	delete(q.jobs, jobID)
	q.order = without(q.order, jobID)
	q.waiting = without(q.waiting, jobID)
	return nil
}

// Subscribe returns a buffered notification channel for queue
func (m *Memory) Subscribe(queue string) (<-chan Notification, func()) {
	ch := make(chan Notification, m.bufSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	q := m.queue(queue)
	q.subs[ch] = struct{}{}
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
	}
}

// PurgeAll drops every job of queue
func (m *Memory) PurgeAll(ctx context.Context, queue string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	q := m.queue(queue)
	if !force {
		for _, job := range q.jobs {
			if job.State == StateActive {
				return fmt.Errorf("purge %s: job %s is active", queue, job.ID)
			}
		}
	}
	q.jobs = make(map[string]*Job)
	q.order = nil
	q.waiting = nil
	return nil
}

// Close fails every later call and closes all subscriptions
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		for ch := range q.subs {
			delete(q.subs, ch)
			close(ch)
		}
	}
	return nil
}

// Take moves the oldest waiting job of queue to active and returns it.
// Returns nil when nothing is waiting.
func (m *Memory) Take(ctx context.Context, queue string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	q := m.queue(queue)
	if len(q.waiting) == 0 {
		return nil, nil
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]

	job := q.jobs[id]
	now := time.Now().UTC()
	job.State = StateActive
	job.Attempts++
	job.ProcessedAt = &now
	return job.clone(), nil
}

// Complete marks an active job completed and notifies subscribers
func (m *Memory) Complete(ctx context.Context, queue, jobID string, result json.RawMessage) error {
	return m.finish(ctx, queue, jobID, StateCompleted, result, "")
}

// Fail marks an active job failed and notifies subscribers
func (m *Memory) Fail(ctx context.Context, queue, jobID, reason string) error {
	return m.finish(ctx, queue, jobID, StateFailed, nil, reason)
}

func (m *Memory) finish(ctx context.Context, queue, jobID string, state State, result json.RawMessage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	q := m.queue(queue)
	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State != StateActive {
		return fmt.Errorf("finish %s: job is %s, not active", jobID, job.State)
	}

	now := time.Now().UTC()
	job.State = state
	job.Result = result
	job.FailedReason = reason
	job.FinishedAt = &now

	n := Notification{Queue: queue, JobID: jobID, State: state, FailedReason: reason}
	for ch := range q.subs {
		select {
		case ch <- n:
		default:
			log.Printf("[BROKER] Dropped %s notification for job %s (subscriber full)", state, jobID)
		}
	}
	return nil
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
