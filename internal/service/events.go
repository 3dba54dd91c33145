package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/gorilla/websocket"
)

const (
	eventBufferSize = 16
	writeWait       = 10 * time.Second
	pingPeriod      = 15 * time.Second
)

// RelayEvent is one lifecycle notification for a relay request.
type RelayEvent struct {
	Stage      string    `json:"stage"` // received, funded, forwarded, confirmed, failed
	Operation  string    `json:"operation,omitempty"`
	APIKeyName string    `json:"api_key_name,omitempty"`
	TxHash     string    `json:"transaction_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventHub broadcasts relay lifecycle events to websocket subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event. Its connection is not closed for falling behind.
type EventHub struct {
	mu       sync.RWMutex
	subs     map[chan RelayEvent]struct{}
	upgrader websocket.Upgrader
	done     chan struct{}
	closed   bool
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs: make(map[chan RelayEvent]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Publish fans the event out to all current subscribers.
func (h *EventHub) Publish(event RelayEvent) {
	if h == nil {
		return
	}
	event.Timestamp = time.Now().UTC()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			// Slow consumer: this event is dropped for it.
		}
	}
}

// HandleConnection upgrades the request and streams events until the
// client disconnects or the hub stops.
func (h *EventHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Event stream upgrade failed", "error", err)
		return
	}

	sub := make(chan RelayEvent, eventBufferSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		conn.Close()
	}()

	// Reader goroutine: consume and discard to detect disconnects.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-clientGone:
			return
		case event := <-sub:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stop disconnects all subscribers.
func (h *EventHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}
