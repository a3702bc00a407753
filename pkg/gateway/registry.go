package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/harun/tether/internal/observability"
)

// Client is one connected websocket client.
type Client struct {
	ID            string
	conn          *websocket.Conn
	authenticated bool
	subscriptions map[string]bool
	writeMu       sync.Mutex
	mu            sync.RWMutex
}

// NewClient wraps a websocket connection.
func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		subscriptions: make(map[string]bool),
	}
}

// WriteJSON serializes writes to the connection; gorilla/websocket
// allows only one concurrent writer.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SetAuthenticated marks the client as authenticated.
func (c *Client) SetAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

// Authenticated reports whether the client has passed auth.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Subscribe registers interest in a session's live events.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	c.subscriptions[sessionID] = true
	c.mu.Unlock()
}

// Unsubscribe drops interest in a session.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
}

// SubscribedTo reports whether the client tails the session.
func (c *Client) SubscribedTo(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[sessionID]
}

// ClientRegistry tracks connected clients.
type ClientRegistry struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add registers a client.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	n := len(r.clients)
	r.mu.Unlock()
	observability.SetGatewayClients(n)
}

// Remove drops a client.
func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.clients, id)
	n := len(r.clients)
	r.mu.Unlock()
	observability.SetGatewayClients(n)
}

// Get returns a client by id.
func (r *ClientRegistry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// SubscribersOf returns authenticated clients tailing the session.
func (r *ClientRegistry) SubscribersOf(sessionID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []*Client
	for _, c := range r.clients {
		if c.Authenticated() && c.SubscribedTo(sessionID) {
			subs = append(subs, c)
		}
	}
	return subs
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
