package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mcoot/clanharvest/internal/middleware"
)

const (
	// Time between keepalive comments
	pingPeriod = 30 * time.Second

	sendBufferSize = 64
)

// Client is one open event stream
type Client struct {
	requestID   string
	send        chan []byte
	connectedAt time.Time
}

// NewClient creates a client for the request with the given id
func NewClient(requestID string) *Client {
	return &Client{
		requestID:   requestID,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
	}
}

// ServeHTTP streams events to the caller until it disconnects or the hub
// closes. The server write timeout is lifted for the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := NewClient(w.Header().Get(middleware.RequestIDHeader))
	if !h.Register(client) {
		http.Error(w, "Event hub closed", http.StatusServiceUnavailable)
		return
	}
	defer h.Unregister(client)

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	_, _ = w.Write([]byte("event: connected\ndata: {\"status\":\"connected\"}\n\n"))
	if err := rc.Flush(); err != nil {
		h.logger.Error("event stream cannot flush", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			_ = rc.Flush()

		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
