package blelink

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func TestBusFanOut(t *testing.T) {
	b := NewBus(clock.NewMock())
	a, _ := b.Subscribe()
	c, _ := b.Subscribe()

	b.Publish(EventScanStopped, ScanStopped{Reason: "stopped"})

	for _, ch := range []<-chan Event{a, c} {
		e := recvEvent(t, ch)
		if e.Kind != EventScanStopped {
			t.Errorf("kind: got %s want %s", e.Kind, EventScanStopped)
		}
		if e.Data.(ScanStopped).Reason != "stopped" {
			t.Errorf("data: got %+v", e.Data)
		}
	}
}

func TestBusKindFilter(t *testing.T) {
	b := NewBus(clock.NewMock())
	ch, _ := b.Subscribe(EventDeviceFound)

	b.Publish(EventScanStopped, ScanStopped{Reason: "stopped"})
	b.Publish(EventDeviceFound, DeviceFound{})

	e := recvEvent(t, ch)
	if e.Kind != EventDeviceFound {
		t.Errorf("filtered subscriber got %s", e.Kind)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %s", e.Kind)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(clock.NewMock())
	ch, unsub := b.Subscribe()
	unsub()
	unsub() // unsubscribing twice is harmless

	b.Publish(EventScanStopped, ScanStopped{})
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	if b.Len() != 0 {
		t.Errorf("Len: got %d want 0", b.Len())
	}
}

func TestBusSlowConsumerDoesNotBlock(t *testing.T) {
	b := NewBus(clock.NewMock())
	ch, _ := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subBuffer*2; i++ {
			b.Publish(EventDeviceFound, DeviceFound{})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}
	if n := len(ch); n != subBuffer {
		t.Errorf("buffered events: got %d want %d", n, subBuffer)
	}
}

func TestBusListenerPanicIsolated(t *testing.T) {
	b := NewBus(clock.NewMock())

	var healthy int32
	got := make(chan struct{}, 4)
	b.SubscribeFunc(func(Event) {
		panic("listener bug")
	})
	b.SubscribeFunc(func(Event) {
		atomic.AddInt32(&healthy, 1)
		got <- struct{}{}
	})

	b.Publish(EventFault, Fault{Op: "test"})
	b.Publish(EventFault, Fault{Op: "test"})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("healthy listener starved after sibling panic")
		}
	}
	if n := atomic.LoadInt32(&healthy); n != 2 {
		t.Errorf("healthy deliveries: got %d want 2", n)
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus(clock.NewMock())
	ch, _ := b.Subscribe()
	b.Close()
	b.Close() // closing twice is harmless

	if _, open := <-ch; open {
		t.Error("channel still open after Close")
	}
	b.Publish(EventFault, Fault{}) // must not panic

	late, _ := b.Subscribe()
	if _, open := <-late; open {
		t.Error("subscription after Close returned an open channel")
	}
}
