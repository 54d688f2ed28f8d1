package demo

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"task-ledger/internal/models"
	"task-ledger/internal/worker"
)

type submitter struct {
	mu    sync.Mutex
	names []string
}

func (s *submitter) AddTask(ctx context.Context, queue, name string, data any) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return &models.Task{Name: name}, nil
}

func (s *submitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

func run(t *testing.T, reg *worker.Registry, name string, data any) (json.RawMessage, error) {
	t.Helper()
	h, ok := reg.Lookup(name)
	if !ok {
		t.Fatalf("no handler for %s", name)
	}
	payload, _ := json.Marshal(data)
	return h.Execute(context.Background(), payload)
}

func TestCalculate(t *testing.T) {
	cases := []struct {
		op   string
		in   []float64
		want float64
	}{
		{"sum", []float64{1, 2, 3, 4, 5}, 15},
		{"average", []float64{10, 20, 30}, 20},
		{"multiply", []float64{2, 3, 4}, 24},
		{"multiply", nil, 1},
	}
	for _, tc := range cases {
		got, err := Calculate(tc.op, tc.in)
		if err != nil || got != tc.want {
			t.Errorf("%s %v: got %v, %v want %v", tc.op, tc.in, got, err, tc.want)
		}
	}
	if _, err := Calculate("divide", []float64{1}); err == nil {
		t.Errorf("unknown operation must fail")
	}
	if _, err := Calculate("average", nil); err == nil {
		t.Errorf("average of nothing must fail")
	}
}

func TestHandlers(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, 0)

	for _, name := range Names {
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("%s not registered", name)
		}
	}

	out, err := run(t, reg, ProcessData, Numbers{Numbers: []float64{1, 2, 3}, Operation: "sum"})
	if err != nil {
		t.Fatalf("process-data: %v", err)
	}
	var res struct {
		Result float64 `json:"result"`
	}
	json.Unmarshal(out, &res)
	if res.Result != 6 {
		t.Fatalf("process-data result: %s", out)
	}

	if _, err := run(t, reg, RiskyOperation, Risky{Value: -10}); err == nil {
		t.Fatalf("risky-operation must fail on negative values")
	}
	if _, err := run(t, reg, RiskyOperation, Risky{Value: 42}); err != nil {
		t.Fatalf("risky-operation: %v", err)
	}
	if _, err := run(t, reg, SendEmail, Email{To: "a@b.com"}); err != nil {
		t.Fatalf("send-email: %v", err)
	}
}

func TestSlowHandlerHonoursCancellation(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, 1)
	h, _ := reg.Lookup(ProcessImage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Execute(ctx, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected a cancellation error")
	}
}

func TestSeedAdmitsSampleBatch(t *testing.T) {
	s := &submitter{}
	if err := Seed(context.Background(), s, "default"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if s.count() != 10 {
		t.Fatalf("seeded %d tasks", s.count())
	}
}

func TestProduceStopsWithContext(t *testing.T) {
	s := &submitter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Produce(ctx, s, "default", 5*time.Millisecond, rand.New(rand.NewSource(1)))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if s.count() < 3 {
		t.Fatalf("produced %d tasks", s.count())
	}
}

func TestRandomTaskHasHandler(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, 0)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		name, data := RandomTask(rng)
		if _, ok := reg.Lookup(name); !ok {
			t.Fatalf("random task %s has no handler", name)
		}
		if _, err := json.Marshal(data); err != nil {
			t.Fatalf("random task %s data: %v", name, err)
		}
	}
}
