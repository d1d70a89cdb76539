package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"DeskSim/internal/event"
	"DeskSim/internal/observability"
)

// wsTick is the JSON frame pushed to stream clients after each tick.
type wsTick struct {
	Type     string    `json:"type"`
	Pair     string    `json:"pair"`
	Price    string    `json:"price"`
	NetWorth string    `json:"net_worth"`
	Events   []wsEvent `json:"events,omitempty"`
	At       time.Time `json:"at"`
}

type wsEvent struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

// Hub manages WebSocket connections and pushes tick summaries to every
// client. It implements engine.Broadcaster; Publish never blocks the
// engine loop.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func NewHub(log zerolog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		log:        log,
		metrics:    metrics,
	}
}

// Run is the hub's event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.metrics.WSClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
		}
	}
}

// Publish queues a tick summary for broadcast, dropping it when the buffer
// is full so the engine loop never waits on slow clients.
func (h *Hub) Publish(t event.TickSummary) {
	frame := wsTick{
		Type:     "tick",
		Pair:     t.Pair.String(),
		Price:    t.Price.String(),
		NetWorth: t.NetWorth.String(),
		At:       t.At,
	}
	for _, ev := range t.Events {
		frame.Events = append(frame.Events, wsEvent{
			Kind:   string(ev.Kind),
			ID:     ev.ID.String(),
			Amount: ev.Amount.String(),
			Price:  ev.Price.String(),
		})
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleWS upgrades GET /api/v1/stream connections.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	h.register <- conn

	// Read pump: keep the connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
