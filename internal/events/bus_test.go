package events

import "testing"

func TestBusPreservesOrder(t *testing.T) {
	bus := NewBus(8)

	for i := uint8(1); i <= 5; i++ {
		if !bus.Publish(UpdatePercent(i)) {
			t.Fatalf("Publish(%d) was dropped with free capacity", i)
		}
	}
	bus.Close()

	var got []uint8
	for n := range bus.Notifications() {
		got = append(got, n.Percent)
	}
	for i, p := range got {
		if p != uint8(i+1) {
			t.Fatalf("notification %d has percent %d, want %d", i, p, i+1)
		}
	}
	if len(got) != 5 {
		t.Fatalf("received %d notifications, want 5", len(got))
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(2)

	if !bus.Publish(UpdateStage("a")) || !bus.Publish(UpdateStage("b")) {
		t.Fatal("publishes within capacity should be accepted")
	}
	if bus.Publish(UpdateStage("c")) {
		t.Error("publish on a full bus should be dropped, not blocked")
	}

	bus.Close()

	count := 0
	for range bus.Notifications() {
		count++
	}
	if count != 2 {
		t.Errorf("consumer drained %d notifications, want 2", count)
	}
}

func TestBusDropsAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()

	if bus.Publish(UpdateComplete(true)) {
		t.Error("publish after Close should be dropped")
	}
	// Closing twice must be harmless.
	bus.Close()
}

func TestPreflightClear(t *testing.T) {
	if !(PreflightStatus{}).Clear() {
		t.Error("zero status should be clear")
	}
	if (PreflightStatus{Daemon: true}).Clear() {
		t.Error("running daemon should not be clear")
	}
}
