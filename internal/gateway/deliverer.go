package gateway

import (
	"tinyclaw/internal/gateway/websocket"
	"tinyclaw/internal/storage"
)

// HubDeliverer adapts the websocket hub to the nudge engine's Deliverer.
// Delivery fails when the user has no connected client, which leaves the
// nudge queued for the next flush.
type HubDeliverer struct {
	hub *websocket.Hub
}

// NewHubDeliverer wraps a hub.
func NewHubDeliverer(hub *websocket.Hub) *HubDeliverer {
	return &HubDeliverer{hub: hub}
}

// Deliver pushes one nudge to the user's event channel.
func (d *HubDeliverer) Deliver(userID string, n *storage.NudgeRecord) error {
	return d.hub.SendToChannel(userID, websocket.TypeNudge, n)
}
