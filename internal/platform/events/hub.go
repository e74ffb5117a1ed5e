// Package events fans out schedule changes to WebSocket subscribers. Clients
// subscribe to topics ("bookings", "maintenance", "resources", or
// "resource:<id>") and receive every event published to them.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsched/internal/platform/auth"
)

const (
	TopicBookings    = "bookings"
	TopicMaintenance = "maintenance"
	TopicResources   = "resources"

	sendBuffer = 64
)

// ResourceTopic is the per-resource topic for id.
func ResourceTopic(id string) string { return "resource:" + id }

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	ResourceID string          `json:"resource_id,omitempty"`
	At         time.Time       `json:"at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with data marshalled to JSON.
func NewEvent(topic, typ, resourceID string, data interface{}) Event {
	ev := Event{
		ID:         uuid.New().String(),
		Type:       typ,
		Topic:      topic,
		ResourceID: resourceID,
		At:         time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Publisher is what write paths depend on. A nil Publisher is valid for
// callers that guard with Publish.
type Publisher interface {
	Publish(ev Event)
}

// Publish sends ev through p if p is set.
func Publish(p Publisher, ev Event) {
	if p != nil {
		p.Publish(ev)
	}
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	id     string
	topics map[string]struct{}
	send   chan []byte
}

// Hub tracks subscribers by topic. Slow subscribers drop events rather
// than block publishers.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*client]struct{}
	clients map[*client]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		byTopic: make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

func (h *Hub) register(topics []string) *client {
	c := &client{
		id:     uuid.New().String(),
		topics: make(map[string]struct{}),
		send:   make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.subscribe(c, topics)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	for t := range c.topics {
		h.drop(c, t)
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) subscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if t == "" {
			continue
		}
		if h.byTopic[t] == nil {
			h.byTopic[t] = make(map[*client]struct{})
		}
		h.byTopic[t][c] = struct{}{}
		c.topics[t] = struct{}{}
	}
}

func (h *Hub) unsubscribe(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.drop(c, t)
	}
}

// drop requires h.mu held for writing.
func (h *Hub) drop(c *client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.byTopic[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

func (h *Hub) handle(c *client, msg subscribeMessage) {
	switch msg.Action {
	case "subscribe":
		h.subscribe(c, msg.Topics)
	case "unsubscribe":
		h.unsubscribe(c, msg.Topics)
	}
}

// Publish delivers ev to subscribers of ev.Topic and, when set, of the
// per-resource topic. A client subscribed to both receives it once.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", ev.Type).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*client]struct{})
	deliver := func(topic string) {
		for c := range h.byTopic[topic] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.send <- data:
			default:
				h.log.Warn().Str("client_id", c.id).Str("type", ev.Type).Msg("subscriber buffer full, event dropped")
			}
		}
	}
	deliver(ev.Topic)
	if ev.ResourceID != "" {
		deliver(ResourceTopic(ev.ResourceID))
	}
}

// Subscribers returns the number of clients subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/events/ws", h.Connect, auth.RequireRole(auth.RoleScheduler, auth.RoleDentist, auth.RoleTechnician))
}

// Connect upgrades the request. Initial topics come from repeated ?topic=
// query parameters; later ones from {"action":"subscribe","topics":[...]}.
func (h *Handler) Connect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := h.hub.register(c.QueryParams()["topic"])

	go h.writeLoop(cl, ws)
	go h.readLoop(cl, ws)
	return nil
}

func (h *Handler) readLoop(cl *client, ws *websocket.Conn) {
	defer func() {
		h.hub.unregister(cl)
		ws.Close()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.hub.handle(cl, msg)
	}
}

func (h *Handler) writeLoop(cl *client, ws *websocket.Conn) {
	defer ws.Close()
	for msg := range cl.send {
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
