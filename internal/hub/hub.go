package hub

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/davidread/bus-timeliness/internal/transit"
)

// AllRoutes subscribes a client to every route.
const AllRoutes = "*"

const recentPerRoute = 32

// Client is one websocket connection. Send is never closed; Done is closed
// once the hub drops the client, after which Deliver discards messages.
type Client struct {
	ID     string
	Send   chan []byte
	routes map[string]struct{}
	mu     sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:     id,
		Send:   make(chan []byte, bufferSize),
		routes: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Deliver queues data without blocking. It reports false when the buffer is
// full or the client has been dropped.
func (c *Client) Deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) HasRoute(route string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[route]
	return ok
}

func (c *Client) AddRoutes(routes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range routes {
		c.routes[r] = struct{}{}
	}
}

func (c *Client) RemoveRoutes(routes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range routes {
		delete(c.routes, r)
	}
}

func (c *Client) Routes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	routes := make([]string, 0, len(c.routes))
	for r := range c.routes {
		routes = append(routes, r)
	}
	return routes
}

// Hub fans arrival events out to websocket clients subscribed to their route.
type Hub struct {
	mu           sync.RWMutex
	clients      map[*Client]struct{}
	routeClients map[string]map[*Client]struct{}
	recent       map[string][]transit.ArrivalEvent

	register   chan *Client
	unregister chan *Client
	broadcast  chan []transit.ArrivalEvent
	done       chan struct{}

	log *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:      make(map[*Client]struct{}),
		routeClients: make(map[string]map[*Client]struct{}),
		recent:       make(map[string][]transit.ArrivalEvent),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan []transit.ArrivalEvent, 256),
		done:         make(chan struct{}),
		log:          log,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debugw("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case events := <-h.broadcast:
			h.fanout(events)
		}
	}
}

func (h *Hub) Subscribe(client *Client, routes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.AddRoutes(routes)
	for _, r := range routes {
		if h.routeClients[r] == nil {
			h.routeClients[r] = make(map[*Client]struct{})
		}
		h.routeClients[r][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, routes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.RemoveRoutes(routes)
	for _, r := range routes {
		h.dropRouteClient(r, client)
	}
}

// Broadcast queues events for delivery. Events are dropped if the hub is
// backed up; the poll loop never blocks on slow clients.
func (h *Hub) Broadcast(events []transit.ArrivalEvent) {
	if len(events) == 0 {
		return
	}
	select {
	case h.broadcast <- events:
	default:
		h.log.Warnw("broadcast channel full, dropping arrivals", "count", len(events))
	}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register adds client. A client registered after the hub stopped is dropped
// at once.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Recent returns the latest arrivals kept for the given routes, oldest first
// within each route.
func (h *Hub) Recent(routes []string) []transit.ArrivalEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if slices.Contains(routes, AllRoutes) {
		routes = make([]string, 0, len(h.recent))
		for r := range h.recent {
			routes = append(routes, r)
		}
		sort.Strings(routes)
	}

	var out []transit.ArrivalEvent
	for _, r := range routes {
		out = append(out, h.recent[r]...)
	}
	return out
}

type ArrivalsMessage struct {
	Type    string                 `json:"type"`
	Payload []transit.ArrivalEvent `json:"payload"`
}

func EncodeArrivals(kind string, events []transit.ArrivalEvent) ([]byte, error) {
	if events == nil {
		events = []transit.ArrivalEvent{}
	}
	return json.Marshal(ArrivalsMessage{Type: kind, Payload: events})
}

func (h *Hub) fanout(events []transit.ArrivalEvent) {
	h.mu.Lock()
	for _, ev := range events {
		rec := append(h.recent[ev.Route], ev)
		if len(rec) > recentPerRoute {
			rec = rec[len(rec)-recentPerRoute:]
		}
		h.recent[ev.Route] = rec
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()

	perClient := make(map[*Client][]transit.ArrivalEvent)
	for _, ev := range events {
		for client := range h.routeClients[ev.Route] {
			perClient[client] = append(perClient[client], ev)
		}
		for client := range h.routeClients[AllRoutes] {
			if client.HasRoute(ev.Route) {
				continue
			}
			perClient[client] = append(perClient[client], ev)
		}
	}

	for client, evs := range perClient {
		data, err := EncodeArrivals("arrivals", evs)
		if err != nil {
			continue
		}
		if !client.Deliver(data) {
			h.log.Debugw("client send buffer full", "client_id", client.ID)
		}
	}
}

func (h *Hub) dropRouteClient(route string, client *Client) {
	if h.routeClients[route] != nil {
		delete(h.routeClients[route], client)
		if len(h.routeClients[route]) == 0 {
			delete(h.routeClients, route)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	for _, r := range client.Routes() {
		h.dropRouteClient(r, client)
	}
	delete(h.clients, client)
	client.close()
	h.log.Debugw("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]struct{})
	h.routeClients = make(map[string]map[*Client]struct{})
}
