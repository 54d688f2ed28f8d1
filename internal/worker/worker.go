package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"task-ledger/internal/broker"
)

// Source hands out broker jobs and records their outcome
type Source interface {
	Take(ctx context.Context, queue string) (*broker.Job, error)
	Complete(ctx context.Context, queue, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, queue, jobID, reason string) error
}

// Worker processes jobs of one queue
type Worker struct {
	id       int
	queue    string
	source   Source
	handlers *Registry
	pollTime time.Duration
}

// New creates a new worker
func New(id int, queue string, source Source, handlers *Registry, pollTime time.Duration) *Worker {
	return &Worker{
		id:       id,
		queue:    queue,
		source:   source,
		handlers: handlers,
		pollTime: pollTime,
	}
}

// Start polls for jobs until ctx is done
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[WORKER-%d] Started on queue %s", w.id, w.queue)

	ticker := time.NewTicker(w.pollTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[WORKER-%d] Shutting down", w.id)
			return
		case <-ticker.C:
			for ctx.Err() == nil && w.processNextJob(ctx) {
			}
		}
	}
}

// processNextJob takes and executes one job. It reports whether a job was found.
func (w *Worker) processNextJob(ctx context.Context) bool {
	job, err := w.source.Take(ctx, w.queue)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("[WORKER-%d] Failed to take job: %v", w.id, err)
		}
		return false
	}
	if job == nil {
		return false
	}

	log.Printf("[START] JobID=%s Task=%s WorkerID=%d", job.ID, job.Name, w.id)
	result, execErr := w.executeJob(ctx, job)

	// Report even when shutting down so the job does not stay active forever.
	reportCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		err = w.source.Fail(reportCtx, w.queue, job.ID, execErr.Error())
		log.Printf("[FAILED] JobID=%s WorkerID=%d Error=%v", job.ID, w.id, execErr)
	} else {
		err = w.source.Complete(reportCtx, w.queue, job.ID, result)
		log.Printf("[FINISH] JobID=%s WorkerID=%d", job.ID, w.id)
	}
	if err != nil {
		log.Printf("[ERROR] JobID=%s Failed to report outcome: %v", job.ID, err)
	}
	return true
}

// executeJob runs the registered handler for the job
func (w *Worker) executeJob(ctx context.Context, job *broker.Job) (result json.RawMessage, err error) {
	h, ok := w.handlers.Lookup(job.Name)
	if !ok {
		return nil, &HandlerError{Task: job.Name, Err: errors.New("no handler registered")}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WORKER-%d] recovered panic: %v\n%s", w.id, r, debug.Stack())
			err = &HandlerError{Task: job.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = h.Execute(ctx, job.Data)
	if err != nil {
		var herr *HandlerError
		if !errors.As(err, &herr) {
			err = &HandlerError{Task: job.Name, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// Pool runs a fixed number of workers on one queue
type Pool struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartPool starts concurrency workers for queue
func StartPool(ctx context.Context, concurrency int, queue string, source Source, handlers *Registry, pollTime time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{cancel: cancel}
	for i := 1; i <= concurrency; i++ {
		w := New(i, queue, source, handlers, pollTime)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Start(ctx)
		}()
	}
	return p
}

// Stop cancels the workers and waits for in-flight jobs to be reported
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
