package websocket

import (
	"encoding/json"
	"fmt"
	"sync"

	"tinyclaw/pkg/logger"
)

// Hub maintains the set of connected clients and fans events out to them.
type Hub struct {
	clients map[*Client]bool

	// Channel name to subscriber set, for targeted pushes.
	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	mu sync.RWMutex

	done chan struct{}
}

// NewHub creates an empty hub. Call Run in a goroutine before serving
// connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run drives the hub until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug().Str("client_id", client.id).Msg("Event client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for ch := range client.channels {
					if subs, ok := h.channels[ch]; ok {
						delete(subs, client)
						if len(subs) == 0 {
							delete(h.channels, ch)
						}
					}
				}
			}
			h.mu.Unlock()
			logger.Debug().Str("client_id", client.id).Msg("Event client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			if msg.Channel == "" {
				for client := range h.clients {
					client.trySend(msg.Data)
				}
			} else if subs, ok := h.channels[msg.Channel]; ok {
				for client := range subs {
					client.trySend(msg.Data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts down the hub loop. Connected clients close on their own as
// their pumps drain.
func (h *Hub) Stop() {
	close(h.done)
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Subscribe adds a client to a channel's subscriber set.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.channels[channel] = true
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
}

// Unsubscribe removes a client from a channel's subscriber set.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.channels, channel)
	if subs, ok := h.channels[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// BroadcastTyped pushes a typed event to every connected client.
func (h *Hub) BroadcastTyped(eventType string, payload any) error {
	data, err := json.Marshal(Envelope{Type: eventType, Data: payload})
	if err != nil {
		logger.Error().Err(err).Str("type", eventType).Msg("Failed to marshal event")
		return err
	}
	h.broadcast <- &broadcastMessage{Data: data}
	return nil
}

// SendToChannel pushes a typed event to the subscribers of one channel.
// It reports an error when nobody is subscribed so callers that need
// at-least-once delivery (the nudge engine) can retry later.
func (h *Hub) SendToChannel(channel, eventType string, payload any) error {
	h.mu.RLock()
	subscribed := len(h.channels[channel]) > 0
	h.mu.RUnlock()
	if !subscribed {
		return fmt.Errorf("no subscribers on channel %s", channel)
	}

	data, err := json.Marshal(Envelope{Type: eventType, Data: payload})
	if err != nil {
		return err
	}
	h.broadcast <- &broadcastMessage{Channel: channel, Data: data}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
