package websocket

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"task-ledger/internal/events"
	"task-ledger/internal/models"
	"task-ledger/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message names
const (
	EventGetTasks   = "getTasks"
	EventDeleteTask = "deleteTask"
	EventAddTask    = "addTask"
	EventTaskData   = "taskData"
	EventError      = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
	requestTimeout = 10 * time.Second
)

// TaskService is what the manager needs to answer client requests
type TaskService interface {
	AddTask(ctx context.Context, queue, name string, data any) (*models.Task, error)
	DeleteTask(ctx context.Context, jobID string) error
	ListTasks(ctx context.Context, q models.TaskQuery) (*models.TaskPage, error)
}

// Envelope is the frame exchanged in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TasksRequest asks for one page of tasks
type TasksRequest struct {
	Page         int    `json:"page"`
	ItemsPerPage int    `json:"itemsPerPage"`
	TaskStatus   string `json:"taskStatus"`
	Queue        string `json:"queue,omitempty"`
}

// DeleteRequest deletes a task and asks for the page to show afterwards
type DeleteRequest struct {
	JobID string `json:"jobId"`
	TasksRequest
}

// ErrorSignal is sent to the requester when a request fails
type ErrorSignal struct {
	Request string `json:"request"`
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Manager manages WebSocket connections, answers their requests and
// broadcasts bus events to all of them.
type Manager struct {
	service TaskService
	limiter *ratelimit.RateLimiter

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// New creates a new WebSocket manager
func New(service TaskService, limiter *ratelimit.RateLimiter) *Manager {
	return &Manager{
		service: service,
		limiter: limiter,
		clients: make(map[*client]struct{}),
	}
}

// Attach forwards taskAdded and taskUpdated events from bus to every client
func (m *Manager) Attach(bus *events.Bus) {
	for _, topic := range []string{events.TopicTaskAdded, events.TopicTaskUpdated} {
		topic := topic
		bus.Subscribe(topic, func(payload any) error {
			return m.Broadcast(topic, payload)
		})
	}
}

// AddClient registers conn and starts its reader and writer
func (m *Manager) AddClient(conn *websocket.Conn) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	m.clientsMu.Lock()
	if m.closed {
		m.clientsMu.Unlock()
		conn.Close()
		return
	}
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.wg.Add(2)
	m.clientsMu.Unlock()

	log.Printf("[WEBSOCKET] Client %s connected. Total clients: %d", c.id, total)

	go m.writePump(c)
	go m.readPump(c)
}

func (m *Manager) removeClient(c *client) {
	m.clientsMu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()

	c.close()
	if m.limiter != nil {
		m.limiter.Forget(c.id)
	}
	if ok {
		log.Printf("[WEBSOCKET] Client %s disconnected. Total clients: %d", c.id, total)
	}
}

func (m *Manager) readPump(c *client) {
	defer m.wg.Done()
	defer m.removeClient(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ERROR] Client %s read failed: %v", c.id, err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.reply(c, EventError, ErrorSignal{Message: "malformed message"})
			continue
		}
		m.dispatch(c, env)
	}
}

func (m *Manager) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		m.wg.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[ERROR] Failed to send WebSocket update to %s: %v", c.id, err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (m *Manager) dispatch(c *client, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch env.Event {
	case EventGetTasks:
		var req TasksRequest
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &req); err != nil {
				m.reply(c, EventError, ErrorSignal{Request: env.Event, Message: "malformed getTasks request"})
				return
			}
		}
		m.sendTasks(ctx, c, req)

	case EventDeleteTask:
		var req DeleteRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.JobID == "" {
			m.reply(c, EventError, ErrorSignal{Request: env.Event, Message: "jobId is required"})
			return
		}
		if err := m.service.DeleteTask(ctx, req.JobID); err != nil {
			log.Printf("[ERROR] Client %s delete %s failed: %v", c.id, req.JobID, err)
			m.reply(c, EventError, ErrorSignal{Request: env.Event, JobID: req.JobID, Message: err.Error()})
		}
		m.sendTasks(ctx, c, req.TasksRequest)

	case EventAddTask:
		var req models.AddTaskRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			m.reply(c, EventError, ErrorSignal{Request: env.Event, Message: "malformed addTask request"})
			return
		}
		if m.limiter != nil && !m.limiter.Allow(c.id) {
			log.Printf("[RATE_LIMIT] Client %s exceeded rate limit", c.id)
			m.reply(c, EventError, ErrorSignal{Request: env.Event, Message: "rate limit exceeded"})
			return
		}
		if _, err := m.service.AddTask(ctx, req.Queue, req.Name, req.Data); err != nil {
			m.reply(c, EventError, ErrorSignal{Request: env.Event, Message: err.Error()})
		}

	default:
		m.reply(c, EventError, ErrorSignal{Request: env.Event, Message: "unknown event"})
	}
}

// sendTasks replies with a page of tasks. A store failure is masked as an
// empty page.
func (m *Manager) sendTasks(ctx context.Context, c *client, req TasksRequest) {
	page, err := m.service.ListTasks(ctx, req.query())
	if err != nil {
		log.Printf("[ERROR] Client %s task query failed: %v", c.id, err)
		page = &models.TaskPage{Data: []models.Task{}}
	}
	m.reply(c, EventTaskData, page)
}

// query converts the request; an unrecognised status lists every status
func (r TasksRequest) query() models.TaskQuery {
	status, _ := models.ParseStatus(r.TaskStatus)
	return models.TaskQuery{
		Page:     r.Page,
		PageSize: r.ItemsPerPage,
		Status:   status,
		Queue:    strings.TrimSpace(r.Queue),
	}
}

// reply queues a message for c, waiting for room while c is connected
func (m *Manager) reply(c *client, event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		log.Printf("[ERROR] Failed to encode %s: %v", event, err)
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// Broadcast sends event to every client. Clients whose queue is full miss it.
func (m *Manager) Broadcast(event string, data any) error {
	msg, err := encode(event, data)
	if err != nil {
		return err
	}

	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("[WEBSOCKET] Dropped %s for slow client %s", event, c.id)
		}
	}
	return nil
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Close disconnects every client and waits for their goroutines
func (m *Manager) Close() {
	m.clientsMu.Lock()
	m.closed = true
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()

	for _, c := range clients {
		c.close()
		// Unblock the reader.
		c.conn.SetReadDeadline(time.Now())
	}
	m.wg.Wait()
}

func encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
