// Package live fans committed change batches out to websocket peers and
// feeds peer-submitted batches into the apply path.
//
// The hub hangs off master storage as its broadcaster: every merged
// command, direct master write, and inbound batch it commits shows up on
// the channel exactly once, in commit order. Peers that fall behind are
// disconnected rather than allowed to stall the merge path.
package live

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/estuarydb/estuary/internal/change"
	"github.com/estuarydb/estuary/internal/storage"
)

// Applier commits change batches received from peers.
type Applier interface {
	ApplyInbound(ctx context.Context, batches []change.Batch) error
}

// HubConfig composes a Hub.
type HubConfig struct {
	// Applier, if set, commits MessageApply batches from peers. Without
	// it the channel is broadcast-only and apply frames are rejected.
	Applier Applier

	Logger *slog.Logger

	// CheckOrigin overrides the upgrader's origin policy. Defaults to
	// same-origin, per gorilla/websocket.
	CheckOrigin func(r *http.Request) bool
}

// broadcastBuffer bounds how many pending frames the merge path can leave
// behind before BroadcastChanges starts dropping instead of blocking.
const broadcastBuffer = 256

// Hub owns the client set and serializes all fan-out through its run loop.
type Hub struct {
	mu      sync.RWMutex
	applier Applier

	logger *slog.Logger

	upgrader websocket.Upgrader

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	// done is closed when Run exits; pending register/unregister sends
	// select on it so connection goroutines never outlive the hub.
	done chan struct{}

	connected atomic.Int64
}

var _ storage.Broadcaster = (*Hub)(nil)

// NewHub creates a hub. Call Run before serving connections.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		applier: cfg.Applier,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, broadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is canceled, then closes every
// connection. Exactly one Run per hub.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]bool)
	defer func() {
		close(h.done)
		for c := range clients {
			close(c.send)
			h.connected.Add(-1)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = true
			h.connected.Add(1)
		case c := <-h.unregister:
			if clients[c] {
				delete(clients, c)
				close(c.send)
				h.connected.Add(-1)
			}
		case frame := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- frame:
				default:
					// A peer that cannot keep up loses its
					// connection, not everyone's throughput.
					delete(clients, c)
					close(c.send)
					h.connected.Add(-1)
					h.logger.Warn("dropping slow live peer", "remote", c.remote)
				}
			}
		}
	}
}

// SetApplier installs the apply sink after construction. The hub is
// usually composed before the runtime it feeds, since master storage
// takes the hub as its broadcaster.
func (h *Hub) SetApplier(a Applier) {
	h.mu.Lock()
	h.applier = a
	h.mu.Unlock()
}

func (h *Hub) getApplier() Applier {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.applier
}

// Clients returns the number of connected peers.
func (h *Hub) Clients() int {
	return int(h.connected.Load())
}

// BroadcastChanges queues committed batches for fan-out. It runs on the
// merge path and never blocks; under sustained backpressure frames are
// dropped and logged.
func (h *Hub) BroadcastChanges(batches []change.Batch) {
	frame, err := encodeMessage(MessageChanges, batches)
	if err != nil {
		h.logger.Error("encode change broadcast", "error", err)
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("live broadcast buffer full, dropping frame", "batches", len(batches))
	}
}

// ServeHTTP upgrades the request to a websocket peer connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
