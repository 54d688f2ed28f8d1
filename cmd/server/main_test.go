package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"task-ledger/internal/models"
)

func TestEnqueuePostsTask(t *testing.T) {
	var got models.AddTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(models.Task{JobID: "send-email-1", Name: got.Name})
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := enqueueCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--server", srv.URL, "--queue", "emails", "send-email", `{"to":"a@b.com"}`})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if got.Name != "send-email" || got.Queue != "emails" || string(got.Data) != `{"to":"a@b.com"}` {
		t.Fatalf("request: %+v", got)
	}
	if !strings.Contains(out.String(), "send-email-1") {
		t.Fatalf("output: %q", out.String())
	}
}

func TestEnqueueReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cmd := enqueueCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--server", srv.URL, "t"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "Rate limit exceeded") {
		t.Fatalf("expected the server message, got %v", err)
	}
}

func TestEnqueueRejectsInvalidJSON(t *testing.T) {
	cmd := enqueueCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"t", "{nope"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestConfigShowPrintsYAML(t *testing.T) {
	for _, key := range []string{"TASKLEDGER_ADDR", "DB_DRIVER", "DB_DSN", "TASKLEDGER_QUEUES",
		"RECONCILE_INTERVAL", "WORKER_CONCURRENCY", "WORKER_POLL_INTERVAL", "RATE_LIMIT_PER_MINUTE"} {
		t.Setenv(key, "")
	}
	path := filepath.Join(t.TempDir(), "taskledger.yaml")
	os.WriteFile(path, []byte("queues: [emails]\n"), 0o644)

	var out bytes.Buffer
	cmd := configCmd(&path)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "- emails") || !strings.Contains(out.String(), "8080") {
		t.Fatalf("output:\n%s", out.String())
	}
}
