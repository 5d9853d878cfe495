// Package stream pushes committed alerts to WebSocket clients, one feed per
// owner, with a small replay buffer so a reconnecting client can ask for
// what it missed.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-alerts/internal/model"
)

// Envelope is the message sent to clients.
type Envelope struct {
	Type   string             `json:"type"` // "alert"
	Seq    int64              `json:"seq"`
	Alert  *model.Alert       `json:"alert"`
	Intent *model.OrderIntent `json:"intent,omitempty"`
	Replay bool               `json:"replay,omitempty"`
}

// Hub tracks connected clients per owner. It is a scheduler sink.
type Hub struct {
	upgrader   websocket.Upgrader
	replaySize int

	mu      sync.RWMutex
	clients map[*client]bool
	seqs    map[string]int64
	replays map[string]*replayBuffer

	// OnClientsChanged is called with the new client count.
	OnClientsChanged func(n int)
}

// NewHub creates a hub keeping replaySize recent alerts per owner.
func NewHub(replaySize int) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		replaySize: replaySize,
		clients:    make(map[*client]bool),
		seqs:       make(map[string]int64),
		replays:    make(map[string]*replayBuffer),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Deliver pushes fires to their owners' clients. Slow clients drop messages
// rather than block the tick; they can backfill from the replay buffer.
func (h *Hub) Deliver(ctx context.Context, fires []model.Fire) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range fires {
		owner := f.Alert.Owner
		h.seqs[owner]++
		data, err := json.Marshal(Envelope{Type: "alert", Seq: h.seqs[owner], Alert: f.Alert, Intent: f.Intent})
		if err != nil {
			log.Printf("[stream] marshal alert %s: %v", f.Alert.ID, err)
			continue
		}
		rb, ok := h.replays[owner]
		if !ok {
			rb = newReplayBuffer(h.replaySize)
			h.replays[owner] = rb
		}
		rb.push(h.seqs[owner], data)

		for c := range h.clients {
			if c.owner != owner {
				continue
			}
			select {
			case c.send <- data:
			default:
				log.Printf("[stream] client of %s is slow, dropped seq %d", owner, h.seqs[owner])
			}
		}
	}
}

// ServeHTTP upgrades to a WebSocket feed for ?owner=. An optional ?since=
// replays buffered alerts with a greater seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}
	since := int64(-1)
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, "since must be an integer", http.StatusBadRequest)
			return
		}
		since = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] upgrade: %v", err)
		return
	}
	c := &client{conn: conn, owner: owner, send: make(chan []byte, 256), hub: h}

	h.mu.Lock()
	h.clients[c] = true
	if since >= 0 {
		if rb := h.replays[owner]; rb != nil {
			for _, e := range rb.after(since) {
				select {
				case c.send <- markReplay(e.Data):
				default:
				}
			}
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	log.Printf("[stream] client connected owner=%s (%d total)", owner, n)
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(n)
	}

	go c.writePump()
	go c.readPump()
}

func markReplay(data []byte) []byte {
	var env Envelope
	if json.Unmarshal(data, &env) != nil {
		return data
	}
	env.Replay = true
	out, err := json.Marshal(env)
	if err != nil {
		return data
	}
	return out
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	if h.OnClientsChanged != nil {
		h.OnClientsChanged(n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		conn.Close()
	}
}
