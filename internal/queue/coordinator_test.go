package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"task-ledger/internal/broker"
	"task-ledger/internal/database"
	"task-ledger/internal/events"
	"task-ledger/internal/models"
	"task-ledger/internal/reconciler"
	"task-ledger/internal/worker"
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]*models.Task
}

func (r *recorder) handler(topic string) events.Handler {
	return func(payload any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events[topic] = append(r.events[topic], payload.(*models.Task))
		return nil
	}
}

func (r *recorder) get(topic string) []*models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Task(nil), r.events[topic]...)
}

func setup(t *testing.T) (*database.DB, *broker.Memory, *events.Bus, *recorder) {
	t.Helper()
	db, err := database.New(database.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := events.NewBus()
	rec := &recorder{events: map[string][]*models.Task{}}
	bus.Subscribe(events.TopicTaskAdded, rec.handler(events.TopicTaskAdded))
	bus.Subscribe(events.TopicTaskUpdated, rec.handler(events.TopicTaskUpdated))
	return db, broker.NewMemory(64), bus, rec
}

func TestAddTaskWritesLedgerThenSubmits(t *testing.T) {
	db, b, bus, rec := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	task, err := c.AddTask(ctx, "send-email", map[string]string{"to": "a@b.com"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if !strings.HasPrefix(task.JobID, "send-email-") {
		t.Fatalf("job id %q does not carry the task name", task.JobID)
	}
	if task.Status != models.StatusWaiting {
		t.Fatalf("status: got %s want WAITING", task.Status)
	}

	stored, err := db.GetTask(ctx, task.JobID)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if stored.Queue == nil || stored.Queue.Name != "default" {
		t.Fatalf("ledger row not linked to its queue: %+v", stored.Queue)
	}
	job, err := b.FetchByID(ctx, "default", task.JobID)
	if err != nil || job == nil {
		t.Fatalf("broker job missing: %v", err)
	}
	if job.Name != "send-email" || string(job.Data) != `{"to":"a@b.com"}` {
		t.Fatalf("broker job: %+v", job)
	}

	added := rec.get(events.TopicTaskAdded)
	if len(added) != 1 || added[0].JobID != task.JobID || added[0].Queue == nil {
		t.Fatalf("taskAdded events: %+v", added)
	}
}

func TestAddTaskRejectsInvalidInput(t *testing.T) {
	db, b, bus, _ := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	if _, err := c.AddTask(ctx, "  ", nil); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("empty name: got %v", err)
	}
	if _, err := c.AddTask(ctx, "t", json.RawMessage(`{broken`)); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("broken payload: got %v", err)
	}
	page, err := db.ListTasks(ctx, models.TaskQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 0 {
		t.Fatalf("rejected tasks were written: %d", page.Count)
	}
}

func TestConcurrentAddTaskYieldsDistinctJobIDs(t *testing.T) {
	db, b, bus, _ := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	const n = 40
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := c.AddTask(ctx, "process-data", nil)
			if err != nil {
				t.Errorf("add task: %v", err)
				return
			}
			ids <- task.JobID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate job id %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("admitted %d tasks, want %d", len(seen), n)
	}
	counts, _ := b.CountsByState(ctx, "default")
	if counts.Waiting != n {
		t.Fatalf("broker holds %d waiting jobs, want %d", counts.Waiting, n)
	}
}

func TestAddTaskSubmitFailureLeavesWaitingRow(t *testing.T) {
	db, b, bus, rec := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()
	b.Close()

	if _, err := c.AddTask(ctx, "t", nil); !errors.Is(err, broker.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	page, err := db.ListTasks(ctx, models.TaskQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 1 || page.Data[0].Status != models.StatusWaiting {
		t.Fatalf("expected one orphaned WAITING row, got %+v", page)
	}
	if n := len(rec.get(events.TopicTaskAdded)); n != 0 {
		t.Fatalf("taskAdded published for a failed admission")
	}
}

func TestDeleteUnknownTaskTouchesNothing(t *testing.T) {
	db, b, bus, _ := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	kept, err := c.AddTask(ctx, "t", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	// A broker job without a ledger row must survive a delete by id.
	if _, err := b.Submit(ctx, "default", "t", nil, "ghost"); err != nil {
		t.Fatalf("submit ghost: %v", err)
	}

	if err := c.DeleteTask(ctx, "ghost"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if job, _ := b.FetchByID(ctx, "default", "ghost"); job == nil {
		t.Fatalf("broker job removed on a not-found delete")
	}
	if _, err := db.GetTask(ctx, kept.JobID); err != nil {
		t.Fatalf("unrelated task affected: %v", err)
	}
}

func TestDeleteTaskRemovesBothSides(t *testing.T) {
	db, b, bus, _ := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	task, err := c.AddTask(ctx, "t", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if err := c.DeleteTask(ctx, task.JobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetTask(ctx, task.JobID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("ledger row survived: %v", err)
	}
	if job, _ := b.FetchByID(ctx, "default", task.JobID); job != nil {
		t.Fatalf("broker job survived")
	}
}

func TestDeleteTaskReportsBrokerFailure(t *testing.T) {
	db, b, bus, _ := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	task, err := c.AddTask(ctx, "t", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	b.Close()

	err = c.DeleteTask(ctx, task.JobID)
	if !errors.Is(err, broker.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	// The ledger side is not rolled back.
	if _, err := db.GetTask(ctx, task.JobID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("ledger delete did not go through: %v", err)
	}
}

func TestListTasksPaginatedIsScopedToQueue(t *testing.T) {
	db, b, bus, _ := setup(t)
	emails := New("emails", db, b, bus, reconciler.Config{})
	reports := New("reports", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := emails.AddTask(ctx, "send-email", nil); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := reports.AddTask(ctx, "generate-report", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	page, err := emails.ListTasksPaginated(ctx, 2, 2, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Count != 5 || len(page.Data) != 2 {
		t.Fatalf("page: count=%d len=%d", page.Count, len(page.Data))
	}
	for _, task := range page.Data {
		if task.Name != "send-email" {
			t.Fatalf("foreign task on page: %+v", task)
		}
	}

	none, err := reports.ListTasksPaginated(ctx, 1, 10, models.StatusCompleted)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if none.Count != 0 || none.Data == nil {
		t.Fatalf("expected an empty non-nil page, got %+v", none)
	}
}

func TestObliterateDropsBrokerJobs(t *testing.T) {
	db, b, bus, _ := setup(t)
	c := New("default", db, b, bus, reconciler.Config{})
	ctx := context.Background()

	c.AddTask(ctx, "t", nil)
	c.AddTask(ctx, "t", nil)
	b.Take(ctx, "default")

	if err := c.Obliterate(ctx); err != nil {
		t.Fatalf("obliterate: %v", err)
	}
	if jobs, _ := b.ListByState(ctx, "default"); len(jobs) != 0 {
		t.Fatalf("jobs left: %d", len(jobs))
	}
}

func TestTaskRunsToCompletionThroughWorkers(t *testing.T) {
	db, b, bus, rec := setup(t)
	c := New("default", db, b, bus, reconciler.Config{Interval: time.Hour})
	c.Start()
	defer c.Stop()

	reg := worker.NewRegistry()
	reg.RegisterFunc("send-email", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"sent":true}`), nil
	})
	ctx := context.Background()
	pool := worker.StartPool(ctx, 1, "default", b, reg, 10*time.Millisecond)
	defer pool.Stop()

	task, err := c.AddTask(ctx, "send-email", map[string]string{"to": "a@b.com"})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.get(events.TopicTaskUpdated)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	updated := rec.get(events.TopicTaskUpdated)
	if len(updated) != 1 {
		t.Fatalf("taskUpdated events: got %d want 1", len(updated))
	}
	if updated[0].JobID != task.JobID || updated[0].Status != models.StatusCompleted {
		t.Fatalf("taskUpdated payload: %+v", updated[0])
	}
	stored, _ := db.GetTask(ctx, task.JobID)
	if stored.Status != models.StatusCompleted {
		t.Fatalf("ledger status: got %s", stored.Status)
	}
}

func TestGroupRoutesByQueue(t *testing.T) {
	db, b, bus, _ := setup(t)
	g := NewGroup(db,
		New("default", db, b, bus, reconciler.Config{}),
		New("reports", db, b, bus, reconciler.Config{}),
	)
	ctx := context.Background()

	if names := g.Names(); len(names) != 2 || names[0] != "default" {
		t.Fatalf("names: %v", names)
	}

	dflt, err := g.AddTask(ctx, "", "t", nil)
	if err != nil {
		t.Fatalf("add default: %v", err)
	}
	rep, err := g.AddTask(ctx, "reports", "generate-report", nil)
	if err != nil {
		t.Fatalf("add reports: %v", err)
	}
	if _, err := g.AddTask(ctx, "nope", "t", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("unknown queue: got %v", err)
	}

	if job, _ := b.FetchByID(ctx, "default", dflt.JobID); job == nil {
		t.Fatalf("default task not on the default queue")
	}
	if job, _ := b.FetchByID(ctx, "reports", rep.JobID); job == nil {
		t.Fatalf("report task not on the reports queue")
	}

	all, err := g.ListTasks(ctx, models.TaskQuery{})
	if err != nil || all.Count != 2 {
		t.Fatalf("list all: %+v %v", all, err)
	}
	only, err := g.ListTasks(ctx, models.TaskQuery{Queue: "reports"})
	if err != nil || only.Count != 1 || only.Data[0].JobID != rep.JobID {
		t.Fatalf("list reports: %+v %v", only, err)
	}

	if err := g.DeleteTask(ctx, rep.JobID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if job, _ := b.FetchByID(ctx, "reports", rep.JobID); job != nil {
		t.Fatalf("report job survived delete")
	}
	if err := g.DeleteTask(ctx, rep.JobID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("second delete: got %v", err)
	}

	queues, err := g.ListQueues(ctx)
	if err != nil || len(queues) != 2 {
		t.Fatalf("queues: %+v %v", queues, err)
	}
}
