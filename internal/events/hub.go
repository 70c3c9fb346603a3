// Package events broadcasts operational events — alerts delivered,
// ticks completed, rules reloaded — to connected websocket clients. The
// Hub is broadcast-only: it has no inbound command routing, since the
// engine has nothing for a dashboard client to command.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Kind enumerates the events a Hub broadcasts.
type Kind string

const (
	KindAlertSent   Kind = "alert_sent"
	KindAlertFailed Kind = "alert_failed"
	KindTick        Kind = "tick"
	KindRuleReload  Kind = "rule_reload"
)

// Event is a single operational event pushed to every connected client.
type Event struct {
	Kind      Kind      `json:"kind"`
	Rule      string    `json:"rule,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const clientSendBuffer = 16

// Hub fans out Events to every connected websocket client. A slow or
// stalled client never blocks delivery to the others: its channel is
// sized and, once full, new events are dropped for that client rather
// than backpressuring the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan Event)}
}

// Publish broadcasts e to every currently connected client.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- e:
		default:
			log.Debug().Msg("events: dropping event for slow client")
		}
	}
}

// ServeWS upgrades the request to a websocket connection and streams
// published events to it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("events: websocket upgrade failed")
		return
	}

	ch := make(chan Event, clientSendBuffer)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for e := range ch {
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

// Serve starts the event-stream HTTP listener on addr until ctx is
// canceled.
func (h *Hub) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.ServeWS)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("failed to shut down event stream cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("event stream listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("event stream server stopped unexpectedly")
		}
	}()
}
