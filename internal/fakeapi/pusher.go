package fakeapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsFrame is the Pusher wire envelope. Server frames carry data as a JSON
// encoded string.
type wsFrame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type socket struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]bool
}

func (sk *socket) send(event, channel string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return err
	}
	sk.writeMu.Lock()
	defer sk.writeMu.Unlock()
	sk.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return sk.conn.WriteJSON(wsFrame{Event: event, Channel: channel, Data: encoded})
}

func (sk *socket) joined(channel string) bool {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.channels[channel]
}

// Hub manages the websocket connections of the fake broadcaster
type Hub struct {
	srv *Server

	mu      sync.RWMutex
	sockets map[*socket]struct{}
	refuse  map[string]bool
}

func newHub(srv *Server) *Hub {
	return &Hub{
		srv:     srv,
		sockets: make(map[*socket]struct{}),
		refuse:  make(map[string]bool),
	}
}

// ServeWS upgrades a Pusher protocol connection
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "key") != h.srv.AppKey {
		respondError(w, "unknown app key", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	// drop the deadline inherited from the HTTP server
	conn.SetReadDeadline(time.Time{})
	sk := &socket{id: uuid.New().String(), conn: conn, channels: make(map[string]bool)}

	h.mu.Lock()
	h.sockets[sk] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sockets, sk)
		h.mu.Unlock()
		conn.Close()
	}()

	if err := sk.send("pusher:connection_established", "", map[string]interface{}{
		"socket_id":        sk.id,
		"activity_timeout": 120,
	}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("socket_id", sk.id).Msg("WebSocket closed")
			}
			return
		}

		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			sk.send("pusher:error", "", map[string]interface{}{"code": 4000, "message": "Invalid message format"})
			continue
		}
		h.handleFrame(sk, f)
	}
}

func (h *Hub) handleFrame(sk *socket, f wsFrame) {
	switch f.Event {
	case "pusher:ping":
		sk.send("pusher:pong", "", map[string]string{})

	case "pusher:subscribe":
		var req struct {
			Channel string `json:"channel"`
			Auth    string `json:"auth"`
		}
		if err := json.Unmarshal(dataObject(f.Data), &req); err != nil || req.Channel == "" {
			sk.send("pusher:error", "", map[string]interface{}{"code": 4000, "message": "Invalid subscribe"})
			return
		}
		if reason, ok := h.rejects(sk, req.Channel, req.Auth); !ok {
			sk.send("pusher:subscription_error", req.Channel, map[string]interface{}{
				"type":   "AuthError",
				"error":  reason,
				"status": 401,
			})
			return
		}
		sk.mu.Lock()
		sk.channels[req.Channel] = true
		sk.mu.Unlock()
		sk.send("pusher_internal:subscription_succeeded", req.Channel, map[string]string{})

	case "pusher:unsubscribe":
		var req struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(dataObject(f.Data), &req); err == nil {
			sk.mu.Lock()
			delete(sk.channels, req.Channel)
			sk.mu.Unlock()
		}
	}
}

// rejects checks a subscribe request and returns the refusal reason
func (h *Hub) rejects(sk *socket, channel, auth string) (string, bool) {
	h.mu.RLock()
	refused := h.refuse[channel]
	h.mu.RUnlock()
	if refused {
		return "Channel refused", false
	}
	if strings.HasPrefix(channel, "private-") && auth != h.srv.Sign(sk.id, channel) {
		return "Invalid signature", false
	}
	return "", true
}

// dataObject accepts client data sent either as an object or as a string
func dataObject(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}

// Publish sends event on channel to every socket that joined it and
// returns how many sockets received it
func (h *Hub) Publish(channel, event string, data interface{}) int {
	h.mu.RLock()
	targets := make([]*socket, 0, len(h.sockets))
	for sk := range h.sockets {
		if sk.joined(channel) {
			targets = append(targets, sk)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sk := range targets {
		if err := sk.send(event, channel, data); err != nil {
			log.Debug().Err(err).Str("socket_id", sk.id).Msg("Publish failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns how many sockets joined channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for sk := range h.sockets {
		if sk.joined(channel) {
			n++
		}
	}
	return n
}

// Refuse makes future subscriptions to channel fail
func (h *Hub) Refuse(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refuse[channel] = true
}

// DropAll closes every connection, forcing clients to reconnect
func (h *Hub) DropAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sk := range h.sockets {
		sk.conn.Close()
	}
}
