package events

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe("thing_happened", func(ev Event) { got = append(got, ev) })
	bus.Subscribe("thing_happened", func(ev Event) { got = append(got, ev) })
	bus.Subscribe("other", func(ev Event) { t.Error("wrong topic delivered") })

	ev := bus.Publish("thing_happened", map[string]string{"k": "v"})

	if len(got) != 2 {
		t.Fatalf("delivered to %d handlers, want 2", len(got))
	}
	if got[0].ID != ev.ID || got[1].ID != ev.ID {
		t.Error("handlers saw different event ids")
	}
	if got[0].Data["k"] != "v" {
		t.Errorf("data = %v, want k=v", got[0].Data)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	ev := bus.Publish("nobody_listens", nil)
	if ev.ID == "" {
		t.Error("event id must be assigned even without subscribers")
	}
	if ev.Time.IsZero() {
		t.Error("event time must be set")
	}
}

func TestEventIDsAreUnique(t *testing.T) {
	bus := NewBus()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		ev := bus.Publish("tick", nil)
		if seen[ev.ID] {
			t.Fatalf("duplicate event id %s", ev.ID)
		}
		seen[ev.ID] = true
	}
}
