// Package demo provides sample task handlers and a task producer for
// trying the server without an external client.
package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"task-ledger/internal/models"
	"task-ledger/internal/worker"
)

// Task names
const (
	SendEmail      = "send-email"
	ProcessImage   = "process-image"
	GenerateReport = "generate-report"
	ProcessData    = "process-data"
	RiskyOperation = "risky-operation"
)

// Names lists every demo task name
var Names = []string{SendEmail, ProcessImage, GenerateReport, ProcessData, RiskyOperation}

// Submitter admits tasks
type Submitter interface {
	AddTask(ctx context.Context, queue, name string, data any) (*models.Task, error)
}

type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Image struct {
	ImageURL string   `json:"imageUrl"`
	Filters  []string `json:"filters"`
}

type Report struct {
	ReportType string `json:"reportType"`
	DateRange  string `json:"dateRange"`
}

type Numbers struct {
	Numbers   []float64 `json:"numbers"`
	Operation string    `json:"operation"`
}

type Risky struct {
	Value int `json:"value"`
}

// Register adds the demo handlers to reg. Simulated work durations are
// multiplied by scale; zero makes every handler return immediately.
func Register(reg *worker.Registry, scale float64) {
	wait := func(ctx context.Context, d time.Duration) error {
		d = time.Duration(float64(d) * scale)
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}

	reg.RegisterFunc(SendEmail, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in Email
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		if err := wait(ctx, 2*time.Second+time.Duration(rand.Int63n(int64(time.Second)))); err != nil {
			return nil, err
		}
		log.Printf("[DEMO] Email sent to %s: %s", in.To, in.Subject)
		return json.Marshal(map[string]any{"success": true, "to": in.To, "subject": in.Subject})
	})

	reg.RegisterFunc(ProcessImage, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in Image
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		if err := wait(ctx, 3*time.Second); err != nil {
			return nil, err
		}
		log.Printf("[DEMO] Processed image %s with filters: %s", in.ImageURL, strings.Join(in.Filters, ", "))
		return json.Marshal(map[string]any{
			"success":      true,
			"imageUrl":     in.ImageURL,
			"processedUrl": "processed_" + in.ImageURL,
		})
	})

	reg.RegisterFunc(GenerateReport, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in Report
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		if err := wait(ctx, 2500*time.Millisecond); err != nil {
			return nil, err
		}
		log.Printf("[DEMO] Generated %s report for %s", in.ReportType, in.DateRange)
		return json.Marshal(map[string]any{
			"success":    true,
			"reportType": in.ReportType,
			"reportUrl":  fmt.Sprintf("/reports/%s-%d.pdf", in.ReportType, time.Now().UnixMilli()),
		})
	})

	reg.RegisterFunc(ProcessData, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in Numbers
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		result, err := Calculate(in.Operation, in.Numbers)
		if err != nil {
			return nil, err
		}
		log.Printf("[DEMO] %s of %v = %v", in.Operation, in.Numbers, result)
		return json.Marshal(map[string]any{"success": true, "result": result, "operation": in.Operation})
	})

	reg.RegisterFunc(RiskyOperation, func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in Risky
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		if in.Value < 0 {
			return nil, fmt.Errorf("cannot process negative value: %d", in.Value)
		}
		log.Printf("[DEMO] Risky operation succeeded for value: %d", in.Value)
		return json.Marshal(map[string]any{"success": true, "value": in.Value})
	})
}

// Calculate applies a process-data operation
func Calculate(op string, numbers []float64) (float64, error) {
	switch op {
	case "sum":
		var sum float64
		for _, n := range numbers {
			sum += n
		}
		return sum, nil
	case "average":
		if len(numbers) == 0 {
			return 0, fmt.Errorf("average of no numbers")
		}
		sum, _ := Calculate("sum", numbers)
		return sum / float64(len(numbers)), nil
	case "multiply":
		product := 1.0
		for _, n := range numbers {
			product *= n
		}
		return product, nil
	}
	return 0, fmt.Errorf("unknown operation: %s", op)
}

type sample struct {
	name string
	data any
}

var samples = []sample{
	{SendEmail, Email{To: "user1@example.com", Subject: "Welcome!", Body: "Welcome to our service."}},
	{SendEmail, Email{To: "user2@example.com", Subject: "Your order is ready", Body: "Your order has been processed."}},
	{ProcessImage, Image{ImageURL: "photo1.jpg", Filters: []string{"blur", "brightness"}}},
	{ProcessImage, Image{ImageURL: "photo2.jpg", Filters: []string{"contrast", "saturation"}}},
	{GenerateReport, Report{ReportType: "sales", DateRange: "2024-01-01 to 2024-01-31"}},
	{GenerateReport, Report{ReportType: "analytics", DateRange: "2024-01-01 to 2024-01-31"}},
	{ProcessData, Numbers{Numbers: []float64{1, 2, 3, 4, 5}, Operation: "sum"}},
	{ProcessData, Numbers{Numbers: []float64{10, 20, 30}, Operation: "average"}},
	{RiskyOperation, Risky{Value: 42}},
	{RiskyOperation, Risky{Value: -10}},
}

// Seed admits the initial sample batch on queue
func Seed(ctx context.Context, s Submitter, queue string) error {
	for _, smp := range samples {
		if _, err := s.AddTask(ctx, queue, smp.name, smp.data); err != nil {
			return fmt.Errorf("seed %s: %w", smp.name, err)
		}
	}
	log.Printf("[DEMO] Added %d sample tasks", len(samples))
	return nil
}

// Produce admits a random task on queue every interval until ctx is done
func Produce(ctx context.Context, s Submitter, queue string, every time.Duration, rng *rand.Rand) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			name, data := RandomTask(rng)
			if _, err := s.AddTask(ctx, queue, name, data); err != nil && ctx.Err() == nil {
				log.Printf("[ERROR] Failed to add demo task %s: %v", name, err)
			}
		}
	}
}

// RandomTask builds a random demo task
func RandomTask(rng *rand.Rand) (string, any) {
	name := Names[rng.Intn(len(Names))]
	now := time.Now().UnixMilli()
	switch name {
	case SendEmail:
		return name, Email{
			To:      fmt.Sprintf("user%d@example.com", rng.Intn(1000)),
			Subject: fmt.Sprintf("Task %d", now),
			Body:    "This is an automated task.",
		}
	case ProcessImage:
		filters := []string{"blur", "brightness", "contrast"}
		return name, Image{ImageURL: fmt.Sprintf("image-%d.jpg", now), Filters: filters[:rng.Intn(3)+1]}
	case GenerateReport:
		types := []string{"sales", "analytics", "inventory"}
		return name, Report{ReportType: types[rng.Intn(len(types))], DateRange: "2024-01-01 to 2024-01-31"}
	case ProcessData:
		numbers := make([]float64, 5)
		for i := range numbers {
			numbers[i] = float64(rng.Intn(100))
		}
		ops := []string{"sum", "average", "multiply"}
		return name, Numbers{Numbers: numbers, Operation: ops[rng.Intn(len(ops))]}
	default:
		value := -10
		if rng.Float64() > 0.5 {
			value = rng.Intn(100)
		}
		return name, Risky{Value: value}
	}
}
