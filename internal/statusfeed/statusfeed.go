// Package statusfeed is a small websocket broadcaster that pushes JSON
// evolution-record status-change events to connected observers (e.g. an
// external dashboard). It is an observability tap on the Evolution
// Service, not a messaging channel adapter: spec §1 excludes
// Telegram/Slack/etc. channel adapters specifically, not an internal
// status stream.
package statusfeed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one status-change notification.
type Event struct {
	RecordID string `json:"record_id"`
	Skill    string `json:"skill"`
	Status   string `json:"status"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed tracks connected websocket observers and broadcasts Events to all
// of them.
type Feed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	logger  *slog.Logger
}

// New creates an empty Feed.
func New(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		clients: make(map[*websocket.Conn]bool),
		logger:  logger.With("component", "statusfeed.Feed"),
	}
}

// Handler upgrades inbound HTTP connections to websockets and registers
// them as observers.
func (f *Feed) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = true
	f.mu.Unlock()

	go f.readLoop(conn)
}

// readLoop drains inbound frames so the connection stays alive and removes
// the client once it disconnects. Observers are not expected to send data.
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends ev as JSON to every connected observer, dropping any
// connection that fails to write.
func (f *Feed) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("marshal status event", "error", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			f.logger.Debug("dropping status feed client after write error", "error", err)
			delete(f.clients, conn)
			_ = conn.Close()
		}
	}
}
