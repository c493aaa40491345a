// Package websocket streams committed dispatch notifications to connected
// dashboards. Clients subscribe to exchanges; a client may only subscribe to
// the exchanges its roles entitle it to.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/strokee/strokee/internal/platform/auth"
	"github.com/strokee/strokee/internal/platform/notify"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// Event is one notification as delivered to a websocket client.
type Event struct {
	Exchange  string          `json:"exchange"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`

	// subject is the patient the notification concerns.
	subject string
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	// Subject, when set, limits patient_exchange traffic to events about
	// this patient.
	Subject string
	Topics  []string
	Send    chan []byte

	allowed map[string]bool
	hub     *Hub
	conn    Conn
}

// NewClient builds a client entitled to the exchanges of roles. Callers
// holding only the patient role see their own patient events.
func NewClient(userID string, roles []string) *Client {
	c := &Client{
		ID:      uuid.New().String(),
		UserID:  userID,
		Send:    make(chan []byte, sendBuffer),
		allowed: make(map[string]bool),
	}
	for _, ex := range notify.ExchangesFor(roles) {
		c.allowed[ex] = true
	}
	if !auth.HasRole(roles, auth.RoleAdmin) {
		c.Subject = userID
	}
	return c
}

// Allowed reports whether the client may subscribe to topic.
func (c *Client) Allowed(topic string) bool {
	return c.allowed[topic]
}

// Hub tracks clients and their exchange subscriptions. All operations are
// safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to the permitted
// subset of its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.hub = h
	h.all[client] = struct{}{}
	initial := client.Topics
	client.Topics = nil
	h.subscribeLocked(client, initial)
}

// Unregister removes a client from the hub and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.dropLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the permitted topics to a registered client. Topics the
// client is not entitled to are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) {
	for _, topic := range topics {
		if !client.Allowed(topic) {
			h.logger.Debug().Str("client_id", client.ID).Str("topic", topic).Msg("subscription refused")
			continue
		}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		if _, dup := h.clients[topic][client]; dup {
			continue
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) dropLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.dropLocked(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches a ClientMessage to Subscribe or Unsubscribe.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to every client subscribed to topic. Slow clients
// whose buffer is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		if topic == notify.ExchangePatient && client.Subject != "" && client.Subject != event.subject {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket client lagging, event dropped")
		}
	}
}

// Publish implements notify.Publisher. Delivery to websocket clients is
// best effort and never fails.
func (h *Hub) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	var meta struct {
		PatientID  string    `json:"patient_id"`
		OccurredAt time.Time `json:"occurred_at"`
	}
	_ = json.Unmarshal(body, &meta)
	ts := meta.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	h.Broadcast(exchange, Event{
		Exchange:  exchange,
		Type:      routingKey,
		Timestamp: ts,
		Data:      json.RawMessage(body),
		subject:   meta.PatientID,
	})
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

// WebSocketHandler upgrades authenticated requests and pumps events to them.
type WebSocketHandler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewWebSocketHandler creates a handler bound to hub. Browser origins are
// checked against origins; an empty list or "*" accepts any origin.
func NewWebSocketHandler(hub *Hub, origins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || allowed[origin]
	}
}

// RegisterRoutes registers the endpoint on an authenticated group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client with the
// exchanges listed in ?topics= (comma separated) and starts its pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	client := NewClient(userID, auth.RolesFromContext(ctx))
	if raw := c.QueryParam("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			client.Topics = append(client.Topics, strings.TrimSpace(t))
		}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		return nil
	}
	client.conn = &gorillaConnAdapter{ws}
	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn and
// bounds every write.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
