package router

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Control message types exchanged between the application and the router.
const (
	// MsgAuthStateChange is sent by the application when its auth state
	// changes; the hub rebroadcasts it to every client as
	// MsgAuthStateUpdated.
	MsgAuthStateChange  = "AUTH_STATE_CHANGE"
	MsgAuthStateUpdated = "AUTH_STATE_UPDATED"
	// MsgSkipWaiting activates a staged rule set immediately.
	MsgSkipWaiting = "SKIP_WAITING"
	// MsgActivated notifies clients that a rule set took control.
	MsgActivated = "ACTIVATED"
)

// Message is the typed envelope for control messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageHandler reacts to one message type.
type MessageHandler func(Message)

const clientBuffer = 16

// Hub connects the router to its clients: incoming messages are routed
// through an explicit dispatch table, outgoing broadcasts fan out to
// every subscribed client.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]chan Message
	handlers map[string]MessageHandler
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]chan Message),
		handlers: make(map[string]MessageHandler),
	}
}

// Handle registers the handler for one message type, replacing any
// previous one.
func (h *Hub) Handle(msgType string, fn MessageHandler) {
	h.mu.Lock()
	h.handlers[msgType] = fn
	h.mu.Unlock()
}

// Dispatch routes msg to its registered handler.
func (h *Hub) Dispatch(msg Message) error {
	h.mu.Lock()
	fn, ok := h.handlers[msg.Type]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hub: no handler for message type %q", msg.Type)
	}
	fn(msg)
	return nil
}

// Broadcast delivers msg to every subscribed client, best-effort.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("client", id).Str("type", msg.Type).Msg("Dropping broadcast, client not draining")
		}
	}
}

// Subscribe attaches a new client and returns its id and delivery
// channel.
func (h *Hub) Subscribe() (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, clientBuffer)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

// Unsubscribe detaches a client and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(ch)
	}
	h.mu.Unlock()
}
