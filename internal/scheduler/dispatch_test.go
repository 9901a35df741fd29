package scheduler

import (
	"testing"
	"time"
)

func TestDispatcherOrdersByDueThenSeq(t *testing.T) {
	got := make(chan int, 8)
	d := newDispatcher(func(_ uint64, ev Event) { got <- ev.Beat })
	defer d.close()

	base := time.Now().Add(100 * time.Millisecond)
	d.push(1, base.Add(20*time.Millisecond), Event{Beat: 3})
	d.push(1, base, Event{Beat: 1})
	d.push(1, base, Event{Beat: 2})
	d.push(1, time.Time{}, Event{Beat: 0})

	for want := 0; want < 4; want++ {
		select {
		case b := <-got:
			if b != want {
				t.Fatalf("delivered beat %d, want %d", b, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for beat %d", want)
		}
	}
}

func TestDispatcherCloseDropsPending(t *testing.T) {
	got := make(chan Event, 1)
	d := newDispatcher(func(_ uint64, ev Event) { got <- ev })
	d.push(1, time.Now().Add(200*time.Millisecond), Event{Beat: 1})
	if n := d.pending(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	d.close()
	d.close()
	d.push(1, time.Now(), Event{Beat: 2})
	if n := d.pending(); n != 0 {
		t.Fatalf("pending after close = %d, want 0", n)
	}

	select {
	case ev := <-got:
		t.Fatalf("delivered %+v after close", ev)
	case <-time.After(400 * time.Millisecond):
	}
	select {
	case <-d.done:
	case <-time.After(time.Second):
		t.Fatalf("dispatcher goroutine did not exit")
	}
}
