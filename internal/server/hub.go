package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TemperatureFrame is one message on the temperature stream.
type TemperatureFrame struct {
	RunID       string    `json:"run_id"`
	Temperature float64   `json:"temperature"`
	TS          time.Time `json:"ts"`
}

// Hub fans sampled temperatures out to websocket clients. New clients first
// receive the latest frame.
type Hub struct {
	upgrader  websocket.Upgrader
	log       *zap.Logger
	clients   map[*websocket.Conn]bool
	register  chan *websocket.Conn
	remove    chan *websocket.Conn
	broadcast chan []byte
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	latest []byte
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:       log,
		clients:   make(map[*websocket.Conn]bool),
		register:  make(chan *websocket.Conn),
		remove:    make(chan *websocket.Conn),
		broadcast: make(chan []byte, 64),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			for conn := range h.clients {
				conn.Close()
			}
			return
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.remove:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		case msg := <-h.broadcast:
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Warn("temperature stream write failed", zap.Error(err))
					delete(h.clients, conn)
					conn.Close()
				}
			}
		}
	}
}

// Publish queues a sample. Samples are dropped while the hub is saturated so
// producers never block on slow clients.
func (h *Hub) Publish(runID string, temperature float64) {
	data, err := json.Marshal(TemperatureFrame{RunID: runID, Temperature: temperature, TS: time.Now().UTC()})
	if err != nil {
		return
	}
	h.mu.Lock()
	h.latest = data
	h.mu.Unlock()
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("temperature stream upgrade failed", zap.Error(err))
		return
	}
	h.mu.RLock()
	latest := h.latest
	h.mu.RUnlock()
	if latest != nil {
		conn.WriteMessage(websocket.TextMessage, latest)
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	go func() {
		defer func() {
			select {
			case h.remove <- conn:
			case <-h.done:
			}
		}()
		for {
			// clients only listen; reading detects the close
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("temperature stream client gone", zap.Error(err))
				}
				return
			}
		}
	}()
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}
