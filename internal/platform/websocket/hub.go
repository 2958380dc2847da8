// Package websocket pushes notification bundles to connected clients. It
// implements a hub-and-spoke pattern where a client attaches over one
// connection and binds the subscription ids it wants delivered there.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// ClientMessage is an inbound control message: a client binds or unbinds
// subscription ids on its connection.
type ClientMessage struct {
	Action        string   `json:"action"` // bind | unbind
	Subscriptions []string `json:"subscriptions"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single attached connection.
type Client struct {
	ID            string
	Subscriptions []string
	Send          chan []byte
	conn          Conn
}

// Hub tracks attached clients and which subscription ids each one is bound
// to. All operations are thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // subscription id -> bound clients
	all     map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

// Register adds a client and its initial bindings.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, id := range client.Subscriptions {
		if h.clients[id] == nil {
			h.clients[id] = make(map[*Client]struct{})
		}
		h.clients[id][client] = struct{}{}
	}
}

// Unregister removes a client from every binding and closes its Send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, id := range client.Subscriptions {
		if bound, ok := h.clients[id]; ok {
			delete(bound, client)
			if len(bound) == 0 {
				delete(h.clients, id)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Bind adds subscription ids to an attached client.
func (h *Hub) Bind(client *Client, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range ids {
		if h.clients[id] == nil {
			h.clients[id] = make(map[*Client]struct{})
		}
		h.clients[id][client] = struct{}{}
	}
	client.Subscriptions = append(client.Subscriptions, ids...)
}

// Unbind removes subscription ids from an attached client.
func (h *Hub) Unbind(client *Client, ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		removeSet[id] = struct{}{}
		if bound, ok := h.clients[id]; ok {
			delete(bound, client)
			if len(bound) == 0 {
				delete(h.clients, id)
			}
		}
	}

	remaining := make([]string, 0, len(client.Subscriptions))
	for _, id := range client.Subscriptions {
		if _, rm := removeSet[id]; !rm {
			remaining = append(remaining, id)
		}
	}
	client.Subscriptions = remaining
}

// ProcessMessage handles an inbound control message.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "bind":
		h.Bind(client, msg.Subscriptions)
	case "unbind":
		h.Unbind(client, msg.Subscriptions)
	}
}

// Publish sends a serialized notification to every client bound to the
// subscription id. Clients with a full buffer are skipped; websocket
// delivery is fire-and-forget.
func (h *Hub) Publish(subscriptionID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[subscriptionID] {
		select {
		case client.Send <- payload:
		default:
			// client buffer full, skip to avoid blocking
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// BoundCount returns the number of clients bound to a subscription id.
func (h *Hub) BoundCount(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subscriptionID])
}

// ---------------------------------------------------------------------------
// Handler: Echo HTTP handler for WebSocket attaches
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler upgrades HTTP connections and routes control messages.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the attach endpoint on the provided Echo group.
func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts the
// read/write pumps.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:            uuid.NewString(),
		Subscriptions: []string{},
		Send:          make(chan []byte, 256),
		conn:          &gorillaConnAdapter{ws},
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)

	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // ignore malformed messages
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
