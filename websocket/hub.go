package websocket

import (
	"encoding/json"
	"sync"
)

// Hub fans messages out to a set of connections.
//
// Registration, removal and broadcast requests are funnelled through one
// event loop. A broadcast is written to all connections concurrently and
// the next one starts only after every write returned, so each connection
// sees broadcasts in the order they were queued. A connection whose write
// fails is removed.
//
//	hub := websocket.NewHub()
//	go hub.Run()
//	defer hub.Close()
//
//	conn.OnClose(func(c *websocket.Conn, _ websocket.CloseCode, _ string) {
//	    hub.Unregister(c)
//	})
//	hub.Register(conn)
type Hub struct {
	clients map[*Conn]struct{}

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan outbound

	done    chan struct{}
	closed  bool
	running sync.WaitGroup

	mu sync.RWMutex
}

type outbound struct {
	kind MessageType
	data []byte
}

// NewHub returns a Hub. Run must be started before it is used.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*Conn]struct{}),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
	}
	h.running.Add(1)
	return h
}

// Run is the Hub's event loop. It returns after Close and must be called
// exactly once.
func (h *Hub) Run() {
	defer h.running.Done()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-h.done:
			return
		}
	}
}

// fanOut writes msg to every registered connection and waits for all writes.
func (h *Hub) fanOut(msg outbound) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	failed := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, c := range targets {
		wg.Go(func() {
			failed[i] = deliver(c, msg) != nil
		})
	}
	wg.Wait()

	h.mu.Lock()
	for i, c := range targets {
		if failed[i] {
			delete(h.clients, c)
		}
	}
	h.mu.Unlock()
}

func deliver(c *Conn, msg outbound) error {
	if msg.kind == TextMessage {
		return c.SendText(string(msg.data))
	}
	return c.SendBinary(msg.data)
}

// Register adds c to the Hub. It is a no-op after Close.
func (h *Hub) Register(c *Conn) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes c from the Hub without closing it.
func (h *Hub) Unregister(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues a binary message for every registered connection.
func (h *Hub) Broadcast(data []byte) {
	h.enqueue(outbound{kind: BinaryMessage, data: data})
}

// BroadcastText queues a text message for every registered connection.
func (h *Hub) BroadcastText(text string) {
	h.enqueue(outbound{kind: TextMessage, data: []byte(text)})
}

// BroadcastJSON marshals v and queues it as a text message.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.enqueue(outbound{kind: TextMessage, data: data})
	return nil
}

func (h *Hub) enqueue(msg outbound) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the event loop and closes every registered connection with
// code 1001 (going away). Safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.running.Wait()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Conn]struct{})
	h.mu.Unlock()

	for c := range clients {
		_ = c.Close(CloseGoingAway, "server shutting down")
	}
	return nil
}
