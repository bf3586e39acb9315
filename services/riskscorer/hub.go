package main

import (
	"context"
	"log"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"vigil/pkg/eventbus"
)

// hub fans threat updates out to the websocket connections of each session.
// It subscribes to the event bus so heartbeat handling never blocks on a
// slow socket.
type hub struct {
	secret []byte

	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{} // session id -> connections
}

func newHub(secret []byte) *hub {
	return &hub{
		secret: secret,
		conns:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Handler returns the websocket endpoint. Clients authenticate with the
// session bearer token in the "token" query parameter.
func (h *hub) Handler() http.Handler {
	return websocket.Handler(h.serve)
}

func (h *hub) serve(conn *websocket.Conn) {
	token := conn.Request().URL.Query().Get("token")
	_, sessionID, err := parseSessionToken(h.secret, token)
	if err != nil {
		conn.Close()
		return
	}

	h.register(sessionID, conn)
	defer h.unregister(sessionID, conn)

	// Drain inbound frames; the hub is push-only and the read returns once
	// the peer closes.
	var discard []byte
	for websocket.Message.Receive(conn, &discard) == nil {
	}
}

func (h *hub) register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns[sessionID] == nil {
		h.conns[sessionID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[sessionID][conn] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns[sessionID], conn)
	if len(h.conns[sessionID]) == 0 {
		delete(h.conns, sessionID)
	}
	h.mu.Unlock()
}

func (h *hub) connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Topics implements eventbus.Subscriber.
func (h *hub) Topics() []string {
	return []string{eventbus.TopicThreatUpdate}
}

// Handle broadcasts a threat update to every connection of the event's
// session and no others.
func (h *hub) Handle(ctx context.Context, evt eventbus.Event) {
	frame := map[string]any{
		"type": "threat_update",
		"data": evt.Payload,
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[evt.SessionToken]))
	for conn := range h.conns[evt.SessionToken] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if err := websocket.JSON.Send(conn, frame); err != nil {
			log.Printf("threat update send failed: %v", err)
		}
	}
}
