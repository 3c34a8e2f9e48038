package notify

import (
	"testing"
	"time"
)

func TestBroadcastReachesAccountAndWildcard(t *testing.T) {
	n := NewNotifier()

	accountCh, cancelAccount := n.Subscribe("acc-1")
	defer cancelAccount()
	allCh, cancelAll := n.Subscribe("")
	defer cancelAll()
	otherCh, cancelOther := n.Subscribe("acc-2")
	defer cancelOther()

	n.Broadcast(Event{Type: EventNewMail, AccountID: "acc-1", Count: 3})

	select {
	case ev := <-accountCh:
		if ev.Type != EventNewMail || ev.Count != 3 {
			t.Errorf("account subscriber got %+v", ev)
		}
	default:
		t.Error("account subscriber missed the event")
	}

	select {
	case <-allCh:
	default:
		t.Error("wildcard subscriber missed the event")
	}

	select {
	case ev := <-otherCh:
		t.Errorf("unrelated subscriber got %+v", ev)
	default:
	}
}

func TestBroadcastNeverBlocksOnFullSubscriber(t *testing.T) {
	n := NewNotifier()

	ch, cancel := n.Subscribe("acc-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			n.Broadcast(Event{Type: EventSyncComplete, AccountID: "acc-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}

	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered %d events, want %d with the rest dropped", got, subscriberBuffer)
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	n := NewNotifier()

	_, cancel := n.Subscribe("acc-1")
	if n.Subscribers("acc-1") != 1 {
		t.Fatal("subscriber not registered")
	}
	cancel()
	if n.Subscribers("acc-1") != 0 {
		t.Error("subscriber not removed on cancel")
	}
}

func TestBroadcastStampsTime(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe("")
	defer cancel()

	n.Broadcast(Event{Type: EventSendComplete})
	ev := <-ch
	if ev.At.IsZero() {
		t.Error("event time not set")
	}
}
