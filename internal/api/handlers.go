package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"task-ledger/internal/broker"
	"task-ledger/internal/database"
	"task-ledger/internal/models"
	"task-ledger/internal/queue"
	"task-ledger/internal/ratelimit"
	"task-ledger/internal/websocket"

	ws "github.com/gorilla/websocket"
)

// TaskService is the task surface behind the HTTP API
type TaskService interface {
	websocket.TaskService
	ListQueues(ctx context.Context) ([]models.Queue, error)
	Ping(ctx context.Context) error
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	service     TaskService
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	upgrader    ws.Upgrader
}

// NewServer creates a new API server
func NewServer(service TaskService, wsManager *websocket.Manager, rateLimiter *ratelimit.RateLimiter) *Server {
	return &Server{
		service:     service,
		rateLimiter: rateLimiter,
		wsManager:   wsManager,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SubmitTask handles task admission
func (s *Server) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req models.AddTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	client := clientKey(r)
	if s.rateLimiter != nil && !s.rateLimiter.Allow(client) {
		log.Printf("[RATE_LIMIT] Client %s exceeded rate limit", client)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	task, err := s.service.AddTask(r.Context(), req.Queue, req.Name, req.Data)
	if err != nil {
		log.Printf("[ERROR] Failed to admit task %s: %v", req.Name, err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks returns one page of tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := models.TaskQuery{Queue: params.Get("queue")}

	var err error
	if q.Page, err = intParam(params.Get("page")); err != nil {
		http.Error(w, "page must be a number", http.StatusBadRequest)
		return
	}
	if q.PageSize, err = intParam(params.Get("itemsPerPage")); err != nil {
		http.Error(w, "itemsPerPage must be a number", http.StatusBadRequest)
		return
	}
	if raw := params.Get("status"); raw != "" {
		status, ok := models.ParseStatus(raw)
		if !ok {
			http.Error(w, "unknown status "+strconv.Quote(raw), http.StatusBadRequest)
			return
		}
		q.Status = status
	}

	page, err := s.service.ListTasks(r.Context(), q)
	if err != nil {
		log.Printf("[ERROR] Failed to query tasks: %v", err)
		http.Error(w, "Failed to fetch tasks", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// DeleteTask removes a task from the broker and the ledger
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		http.Error(w, "jobId is required", http.StatusBadRequest)
		return
	}
	if err := s.service.DeleteTask(r.Context(), jobID); err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			log.Printf("[ERROR] Failed to delete task %s: %v", jobID, err)
		}
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListQueues returns the queue health rows
func (s *Server) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.service.ListQueues(r.Context())
	if err != nil {
		log.Printf("[ERROR] Failed to query queues: %v", err)
		http.Error(w, "Failed to fetch queues", statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ERROR] WebSocket upgrade failed: %v", err)
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitTask(w, r)
		case http.MethodGet:
			s.ListTasks(w, r)
		case http.MethodDelete:
			s.DeleteTask(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/queues", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.ListQueues(w, r)
	})

	mux.HandleFunc("/ws", s.HandleWebSocket)

	mux.HandleFunc("/healthz", s.Healthz)
}

// Healthz reports whether the ledger is reachable
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		log.Printf("[ERROR] Health check failed: %v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidTask), errors.Is(err, queue.ErrUnknownQueue):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrDuplicateJobID):
		return http.StatusConflict
	case errors.Is(err, broker.ErrBrokerUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, database.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Failed to write response: %v", err)
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// clientKey identifies the caller for rate limiting
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
