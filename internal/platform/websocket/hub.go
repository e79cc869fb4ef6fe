// Package websocket pushes examination events to connected dashboards.
// Authenticated clients subscribe to clinic/<id> or patient/<id> topics they
// are entitled to and receive every event broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/aura/exam/internal/platform/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Topic prefixes.
const (
	ClinicPrefix  = "clinic/"
	PatientPrefix = "patient/"
)

func ClinicTopic(id uuid.UUID) string  { return ClinicPrefix + id.String() }
func PatientTopic(id uuid.UUID) string { return PatientPrefix + id.String() }

// ValidTopic reports whether topic is clinic/<uuid> or patient/<uuid>.
func ValidTopic(topic string) bool {
	for _, prefix := range []string{ClinicPrefix, PatientPrefix} {
		if rest, ok := strings.CutPrefix(topic, prefix); ok {
			_, err := uuid.Parse(rest)
			return err == nil
		}
	}
	return false
}

// Event is one push notification.
type Event struct {
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	ExaminationID string          `json:"examinationId,omitempty"`
	Message       string          `json:"message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is sent by a client to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	// Allow restricts which topics Subscribe accepts. Nil allows every valid
	// topic.
	Allow func(topic string) bool
}

func NewClient(topics ...string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
}

// Unregister drops client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the valid topics among topics and returns them.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var accepted []string
	for _, topic := range topics {
		if !ValidTopic(topic) {
			h.logger.Debug().Str("client_id", client.ID).Str("topic", topic).Msg("ignoring invalid topic")
			continue
		}
		if client.Allow != nil && !client.Allow(topic) {
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("refusing topic outside caller scope")
			continue
		}
		if _, ok := h.clients[topic][client]; ok {
			continue
		}
		h.add(topic, client)
		accepted = append(accepted, topic)
	}
	client.Topics = append(client.Topics, accepted...)
	return accepted
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		drop[topic] = struct{}{}
		h.remove(topic, client)
	}

	remaining := client.Topics[:0]
	for _, topic := range client.Topics {
		if _, ok := drop[topic]; !ok {
			remaining = append(remaining, topic)
		}
	}
	client.Topics = remaining
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch strings.ToLower(msg.Action) {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish sends event to the subscribers of event.Topic and returns how many
// clients it was queued for. Slow clients with a full buffer are skipped.
func (h *Hub) Publish(_ context.Context, event Event) (int, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
			atomic.AddInt64(&h.dropped, 1)
			h.logger.Warn().Str("client_id", client.ID).Str("topic", event.Topic).Msg("client buffer full, dropping event")
		}
	}
	return delivered, nil
}

// Dropped counts events skipped because a client's buffer was full.
func (h *Hub) Dropped() int64 { return atomic.LoadInt64(&h.dropped) }

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// TopicPolicy returns the subscription filter for the caller on ctx: its own
// clinic topic and its own patient topic. Admins may read every topic.
func TopicPolicy(ctx context.Context) func(topic string) bool {
	admin := auth.HasRole(auth.RolesFromContext(ctx), auth.RoleAdmin)
	clinic := auth.ClinicIDFromContext(ctx)
	user := auth.UserIDFromContext(ctx)

	return func(topic string) bool {
		if admin {
			return true
		}
		if id, ok := strings.CutPrefix(topic, ClinicPrefix); ok {
			return clinic != "" && strings.EqualFold(id, clinic)
		}
		if id, ok := strings.CutPrefix(topic, PatientPrefix); ok {
			return user != "" && strings.EqualFold(id, user)
		}
		return false
	}
}

// Handler upgrades HTTP requests on /ws and pumps messages for the client.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts connections from the given origins; "*" or an empty
// list allows any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	anyOrigin := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}

	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if anyOrigin || origin == "" {
					return true
				}
				_, ok := allowed[strings.TrimRight(origin, "/")]
				return ok
			},
		},
	}
}

// RegisterRoutes mounts /ws behind m, which must authenticate the caller.
func (wsh *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades an authenticated connection. Optional clinicId and
// userId query parameters subscribe the client to its clinic and patient
// topics up front; topics outside the caller's scope are refused.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	if auth.UserIDFromContext(ctx) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient()
	client.Allow = TopicPolicy(ctx)
	wsh.hub.Register(client)

	var initial []string
	if id, err := uuid.Parse(c.QueryParam("clinicId")); err == nil {
		initial = append(initial, ClinicTopic(id))
	}
	if id, err := uuid.Parse(c.QueryParam("userId")); err == nil {
		initial = append(initial, PatientTopic(id))
	}
	if len(initial) > 0 {
		wsh.hub.Subscribe(client, initial)
	}

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
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

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
