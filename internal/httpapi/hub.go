package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deal-signal-lab/internal/docstore"
	"github.com/deal-signal-lab/internal/logging"
	"github.com/deal-signal-lab/internal/pipeline"
)

const (
	subscriberBuffer = 32
	writeWait        = 5 * time.Second
	pongWait         = 60 * time.Second
	pingEvery        = 30 * time.Second
)

// Hub pushes finished chunk results to websocket subscribers of the
// room. Slow subscribers lose messages rather than stall the pipeline.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]map[chan []byte]struct{}
	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		rooms:    make(map[string]map[chan []byte]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Publish implements pipeline.Publisher.
func (h *Hub) Publish(room string, res *pipeline.Result) {
	room = docstore.RoomID(room)
	h.mu.Lock()
	subs := h.rooms[room]
	if len(subs) == 0 {
		h.mu.Unlock()
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		h.mu.Unlock()
		logging.Warnw("hub: encode result failed", "room.id", room, "err", err)
		return
	}
	for ch := range subs {
		select {
		case ch <- data:
		default:
			logging.Warnw("hub: subscriber buffer full, dropping result", "room.id", room, "chunk_id", res.ChunkID)
		}
	}
	h.mu.Unlock()
}

// Subscribers returns the number of live subscribers of room.
func (h *Hub) Subscribers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[docstore.RoomID(room)])
}

func (h *Hub) subscribe(room string) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[chan []byte]struct{})
	}
	h.rooms[room][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(room string, ch chan []byte) {
	h.mu.Lock()
	delete(h.rooms[room], ch)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	h.mu.Unlock()
}

// serve upgrades r and streams results of room until the client leaves.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("hub: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	room = docstore.RoomID(room)
	ch := h.subscribe(room)
	defer h.unsubscribe(room, ch)
	logging.Debugw("hub: subscriber joined", "room.id", room)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
