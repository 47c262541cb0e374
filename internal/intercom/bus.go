// Package intercom is the in-process event bus connecting subsystems:
// background completions, approval lifecycle, shield reloads, heartware
// edits. Delivery is synchronous and best-effort.
package intercom

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known topics.
const (
	TopicTaskCompleted    = "task:completed"
	TopicTaskFailed       = "task:failed"
	TopicNudgeDelivered   = "nudge:delivered"
	TopicApprovalPending  = "approval:pending"
	TopicApprovalResolved = "approval:resolved"
	TopicShieldReloaded   = "shield:reloaded"
	TopicHeartwareChanged = "heartware:changed"
	TopicAgentSuspended   = "agent:suspended"
)

// Event is one published occurrence.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// TaskPayload accompanies task lifecycle topics.
type TaskPayload struct {
	TaskID      string
	UserID      string
	Description string
}

// NudgePayload accompanies TopicNudgeDelivered.
type NudgePayload struct {
	NudgeID  string
	UserID   string
	Category string
	Priority string
}

// ApprovalPayload accompanies approval lifecycle topics.
type ApprovalPayload struct {
	ApprovalID string
	Principal  string
	ToolName   string
	Resolution string // "approved", "denied", "expired"
}

// Handler receives events for a topic.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches events to topic subscribers in registration order.
// Handler panics are recovered and logged, never propagated: a broken
// listener must not break the publisher.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	nextID uint64
	logger zerolog.Logger
}

// New creates a Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		topics: make(map[string][]subscription),
		logger: logger,
	}
}

// On subscribes handler to a topic and returns an unsubscribe func.
// Unsubscribing twice is harmless.
func (b *Bus) On(topic string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.topics[topic]
			for i, s := range subs {
				if s.id == id {
					b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
		})
	}
}

// Publish delivers an event to every subscriber of the topic, in
// registration order, on the caller's goroutine.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, s := range subs {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", evt.Topic).
				Interface("panic", r).
				Msg("intercom handler panicked")
		}
	}()
	s.handler(evt)
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Clear drops all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = make(map[string][]subscription)
}
