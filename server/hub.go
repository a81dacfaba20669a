package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/protocol"
)

// Client is one websocket connected to a session.
type Client struct {
	id        string
	sessionId uuid.UUID
	userId    string
	ws        *websocket.Conn
	send      chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(sessionId uuid.UUID, userId string, ws *websocket.Conn, sendBuffer int) *Client {
	return &Client{
		id:        uuid.NewString(),
		sessionId: sessionId,
		userId:    userId,
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
	}
}

// enqueue hands a frame to the write pump. A client that cannot keep up is
// closed instead of blocking the sender.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		glog.Warningf("[hub]%s send buffer full, closing\n", c.id)
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type broadcast struct {
	sessionId uuid.UUID
	// skipped when set
	sender *Client
	frame  []byte
}

// Hub maintains the set of active clients per session and broadcasts
// messages to them. All session state is owned by the run loop.
type Hub struct {
	sessions   map[uuid.UUID]map[*Client]bool
	broadcast  chan *broadcast
	register   chan *Client
	unregister chan *Client
	// called with every client that left
	left func(c *Client)
	done chan struct{}
}

func newHub(left func(c *Client)) *Hub {
	return &Hub{
		sessions:   make(map[uuid.UUID]map[*Client]bool),
		broadcast:  make(chan *broadcast),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		left:       left,
		done:       make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.sessions {
				for client := range clients {
					client.close()
				}
			}
			return
		case client := <-h.register:
			clients, ok := h.sessions[client.sessionId]
			if !ok {
				clients = make(map[*Client]bool)
				h.sessions[client.sessionId] = clients
			}
			clients[client] = true
			glog.Infof("[hub]%s joined %s (%d connections)\n", client.id, client.sessionId, len(clients))
			h.presenceChanged(protocol.TypeUserJoin, client.sessionId, client)
		case client := <-h.unregister:
			clients := h.sessions[client.sessionId]
			if _, ok := clients[client]; !ok {
				continue
			}
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessions, client.sessionId)
			}
			client.close()
			if h.left != nil {
				h.left(client)
			}
			glog.Infof("[hub]%s left %s (%d connections)\n", client.id, client.sessionId, len(clients))
			h.presenceChanged(protocol.TypeUserLeave, client.sessionId, nil)
		case message := <-h.broadcast:
			h.send(message)
		}
	}
}

func (h *Hub) send(message *broadcast) {
	for client := range h.sessions[message.sessionId] {
		if client == message.sender {
			continue
		}
		client.enqueue(message.frame)
	}
}

func (h *Hub) presenceChanged(msgType string, sessionId uuid.UUID, sender *Client) {
	env, err := protocol.NewEnvelope(msgType, &protocol.SessionPresence{
		SessionID:   sessionId,
		Connections: len(h.sessions[sessionId]),
	})
	if err != nil {
		glog.Errorf("[hub]%s encode error = %s\n", msgType, err)
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		glog.Errorf("[hub]%s encode error = %s\n", msgType, err)
		return
	}
	h.send(&broadcast{sessionId: sessionId, sender: sender, frame: frame})
}

// The calls below return false once the hub stopped.

func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) bool {
	select {
	case h.unregister <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Broadcast(sessionId uuid.UUID, sender *Client, frame []byte) bool {
	select {
	case h.broadcast <- &broadcast{sessionId: sessionId, sender: sender, frame: frame}:
		return true
	case <-h.done:
		return false
	}
}
