package intercom

import (
	"testing"

	"github.com/rs/zerolog"
)

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := newTestBus()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.On(TopicTaskCompleted, func(Event) { order = append(order, i) })
	}

	b.Publish(TopicTaskCompleted, "payload")

	if len(order) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPublishCarriesPayload(t *testing.T) {
	b := newTestBus()

	type completion struct{ TaskID string }

	var got Event
	b.On(TopicTaskCompleted, func(e Event) { got = e })
	b.Publish(TopicTaskCompleted, completion{TaskID: "t-1"})

	if got.Topic != TopicTaskCompleted {
		t.Errorf("topic = %q", got.Topic)
	}
	payload, ok := got.Payload.(completion)
	if !ok || payload.TaskID != "t-1" {
		t.Errorf("payload = %#v", got.Payload)
	}
	if got.At.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestPanickingHandlerDoesNotStopDispatch(t *testing.T) {
	b := newTestBus()

	var reached bool
	b.On(TopicTaskFailed, func(Event) { panic("broken listener") })
	b.On(TopicTaskFailed, func(Event) { reached = true })

	b.Publish(TopicTaskFailed, nil) // must not panic
	if !reached {
		t.Error("later handler skipped after panic")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()

	var calls int
	off := b.On(TopicShieldReloaded, func(Event) { calls++ })

	b.Publish(TopicShieldReloaded, nil)
	off()
	off() // double-unsubscribe is harmless
	b.Publish(TopicShieldReloaded, nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.SubscriberCount(TopicShieldReloaded) != 0 {
		t.Error("subscriber not removed")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	b := newTestBus()
	b.Publish("nobody:listens", 42) // must not panic
}

func TestClear(t *testing.T) {
	b := newTestBus()

	var calls int
	b.On(TopicTaskCompleted, func(Event) { calls++ })
	b.On(TopicTaskFailed, func(Event) { calls++ })
	b.Clear()

	b.Publish(TopicTaskCompleted, nil)
	b.Publish(TopicTaskFailed, nil)
	if calls != 0 {
		t.Errorf("calls after Clear = %d, want 0", calls)
	}
}
