package eventbus_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MrWong99/telemetryplane/internal/eventbus"
)

func TestSubscribe_UniqueIDs(t *testing.T) {
	bus := eventbus.New()
	id1, _ := bus.Subscribe()
	id2, _ := bus.Subscribe()
	if id1 == id2 {
		t.Fatal("expected unique subscriber ids")
	}
	if bus.SubscriberCount() != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", bus.SubscriberCount())
	}
}

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	bus := eventbus.New()
	_, mbox1 := bus.Subscribe()
	_, mbox2 := bus.Subscribe()

	if err := bus.Publish(map[string]string{"type": "realtime_event"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, mbox := range []eventbus.Mailbox{mbox1, mbox2} {
		select {
		case msg := <-mbox:
			var decoded map[string]string
			if err := json.Unmarshal([]byte(msg), &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded["type"] != "realtime_event" {
				t.Errorf("got %v", decoded)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := eventbus.New()
	id, mbox := bus.Subscribe()
	bus.Unsubscribe(id)

	_ = bus.Publish(map[string]string{"x": "y"})

	select {
	case <-mbox:
		t.Fatal("unsubscribed mailbox should not receive messages")
	default:
	}
}

func TestPublish_FIFOOrderPerSubscriber(t *testing.T) {
	bus := eventbus.New()
	_, mbox := bus.Subscribe()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		msg := <-mbox
		var decoded map[string]int
		_ = json.Unmarshal([]byte(msg), &decoded)
		if decoded["seq"] != i {
			t.Errorf("message %d: seq = %d, want %d", i, decoded["seq"], i)
		}
	}
}

func TestPublish_OverflowDropsOldest(t *testing.T) {
	bus := eventbus.New()
	_, mbox := bus.Subscribe()

	// Fill the mailbox completely, then publish one more: the oldest (seq 0)
	// should be dropped, leaving seq 1..capacity in the mailbox.
	for i := 0; i < eventbus.MailboxCapacity+1; i++ {
		if err := bus.Publish(map[string]int{"seq": i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	first := <-mbox
	var decoded map[string]int
	_ = json.Unmarshal([]byte(first), &decoded)
	if decoded["seq"] != 1 {
		t.Errorf("oldest surviving message seq = %d, want 1 (seq 0 should have been dropped)", decoded["seq"])
	}
}
