package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/monitor"
)

// hubBuffer is the per-client backlog. Events beyond it are dropped for
// that client.
const hubBuffer = 64

// client is one SSE connection.
type client struct {
	ch         chan []byte
	alertsOnly bool
}

// Hub fans monitor events out to Server-Sent Events clients.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	logger    zerolog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub returns a Hub with no clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Close ends every open stream and refuses new ones. http.Server.Shutdown
// does not interrupt active handlers, so the server closes the hub first.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Publish sends ev to every connected client without blocking.
func (h *Hub) Publish(ev monitor.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.alertsOnly && ev.Level == monitor.LevelInfo {
			continue
		}
		select {
		case c.ch <- data:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP streams events until the client goes away or the hub is
// closed. ?alerts=true limits the stream to non-info events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c := &client{
		ch:         make(chan []byte, hubBuffer),
		alertsOnly: r.URL.Query().Get("alerts") == "true",
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprint(w, "event: connected\ndata: {}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case data := <-c.ch:
			fmt.Fprintf(w, "event: monitor\ndata: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		}
	}
}
