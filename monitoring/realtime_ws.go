package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"islrecognizer/display"
	"islrecognizer/recognizer"
)

// MessageType is the topic of a pushed message.
type MessageType string

const (
	Prediction   MessageType = "prediction"
	StatusChange MessageType = "status"
	Heartbeat    MessageType = "heartbeat"
	AlertMessage MessageType = "alert"
)

// Message is the envelope every pushed message uses.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// Client is one websocket connection. A client with no subscriptions
// receives every topic.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool
}

func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type outbound struct {
	topic MessageType
	data  []byte
}

// WebSocketHub fans messages out to connected clients.
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
}

func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("ws_hub"),
	}
}

// Start runs the hub loop until Stop.
func (h *WebSocketHub) Start() {
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.topic) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *WebSocketHub) Stop() {
	h.cancel()
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		clientID:      uuid.NewString(),
		subscriptions: make(map[MessageType]bool),
	}
	for _, topic := range r.URL.Query()["topic"] {
		client.subscriptions[MessageType(topic)] = true
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

// Broadcast queues data for every client subscribed to topic. It never
// blocks; when the queue is full the message is dropped.
func (h *WebSocketHub) Broadcast(topic MessageType, data []byte) {
	select {
	case h.broadcast <- outbound{topic: topic, data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(topic)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(h *WebSocketHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", zap.String("client", c.clientID), zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	}
}

// ClientMessage is sent by clients to change their subscriptions.
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// PredictionMessage is pushed whenever the published guess changes.
type PredictionMessage struct {
	SessionID   string    `json:"session_id,omitempty"`
	Replay      string    `json:"replay,omitempty"`
	Label       string    `json:"label,omitempty"`
	Probability float64   `json:"probability"`
	Percent     int       `json:"percent"`
	Confident   bool      `json:"confident"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusMessage is pushed whenever the rendered status changes.
type StatusMessage struct {
	Phase     recognizer.Phase `json:"phase"`
	View      display.View     `json:"view"`
	ModelPath string           `json:"model_path,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

type HeartbeatMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Clients   int       `json:"clients"`
}

// RealtimeMonitor publishes recognizer activity to websocket clients.
type RealtimeMonitor struct {
	hub    *WebSocketHub
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.RWMutex
	running bool
	stats   MonitorStats

	// last published values, to push only changes
	lastGuess *recognizer.Guess
	lastView  display.View
}

type MonitorStats struct {
	ConnectedClients int           `json:"connected_clients"`
	MessagesSent     int64         `json:"messages_sent"`
	StartTime        time.Time     `json:"start_time"`
	LastMessageTime  time.Time     `json:"last_message_time"`
	Uptime           time.Duration `json:"uptime"`
}

func NewRealtimeMonitor(logger *zap.Logger) *RealtimeMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RealtimeMonitor{
		hub:    NewWebSocketHub(logger),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("realtime"),
	}
}

// Start runs the hub and a heartbeat every interval (no heartbeat when
// interval is zero).
func (m *RealtimeMonitor) Start(heartbeat time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor is already running")
	}
	go m.hub.Start()
	if heartbeat > 0 {
		go m.heartbeatLoop(heartbeat)
	}
	m.running = true
	m.stats.StartTime = time.Now()
	m.logger.Info("realtime monitor started")
	return nil
}

func (m *RealtimeMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("monitor is not running")
	}
	m.running = false
	m.hub.Stop()
	m.cancel()
	m.logger.Info("realtime monitor stopped")
	return nil
}

func (m *RealtimeMonitor) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.SendHeartbeat(); err != nil {
				m.logger.Debug("heartbeat skipped", zap.Error(err))
			}
		}
	}
}

func (m *RealtimeMonitor) send(t MessageType, payload any) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return fmt.Errorf("monitor is not running")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", t, err)
	}
	msg, err := json.Marshal(Message{Type: t, Timestamp: time.Now(), Data: data, ID: uuid.NewString()})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	m.hub.Broadcast(t, msg)

	m.mu.Lock()
	m.stats.MessagesSent++
	m.stats.LastMessageTime = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *RealtimeMonitor) SendPrediction(p PredictionMessage) error {
	return m.send(Prediction, p)
}

func (m *RealtimeMonitor) SendAlert(a Alert) error {
	return m.send(AlertMessage, a)
}

func (m *RealtimeMonitor) SendStatus(s StatusMessage) error {
	return m.send(StatusChange, s)
}

func (m *RealtimeMonitor) SendHeartbeat() error {
	return m.send(Heartbeat, HeartbeatMessage{
		Timestamp: time.Now(),
		Status:    "alive",
		Clients:   m.hub.ClientCount(),
	})
}

// Observe is a recognizer observer that pushes a prediction message when
// the published guess changes and a status message when the rendered view
// changes.
func (m *RealtimeMonitor) Observe(s recognizer.State) {
	view := display.Render(s)

	m.mu.Lock()
	guessChanged := !sameGuess(m.lastGuess, s.Best)
	viewChanged := view != m.lastView
	m.lastGuess = s.Best
	m.lastView = view
	m.mu.Unlock()

	if guessChanged {
		p := PredictionMessage{SessionID: s.SessionID, Timestamp: s.UpdatedAt}
		if s.Best != nil {
			p.Label = s.Best.Label
			p.Probability = s.Best.Probability
			p.Percent = display.Percent(s.Best.Probability)
			p.Confident = true
		}
		m.SendPrediction(p)
	}
	if viewChanged {
		m.SendStatus(StatusMessage{Phase: s.Phase, View: view, ModelPath: s.ModelPath, Timestamp: s.UpdatedAt})
	}
}

func sameGuess(a, b *recognizer.Guess) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Label == b.Label && display.Percent(a.Probability) == display.Percent(b.Probability)
}

func (m *RealtimeMonitor) GetStats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := m.stats
	if m.running {
		stats.Uptime = time.Since(m.stats.StartTime)
	}
	stats.ConnectedClients = m.hub.ClientCount()
	return stats
}

func (m *RealtimeMonitor) GetWebSocketHub() *WebSocketHub {
	return m.hub
}
