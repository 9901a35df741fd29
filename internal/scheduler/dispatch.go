package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// dispatcher turns audio-clock deadlines into callbacks. Items are kept in a
// min-heap by (due, seq) and fired one at a time from a single goroutine, so
// enqueue order is preserved among items with the same deadline.
type dispatcher struct {
	mu     sync.Mutex
	q      deliveryQueue
	seq    uint64
	closed bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	deliver func(gen uint64, ev Event)
}

type delivery struct {
	due time.Time
	seq uint64
	gen uint64
	ev  Event
}

func newDispatcher(deliver func(gen uint64, ev Event)) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	go d.run()
	return d
}

func (d *dispatcher) push(gen uint64, due time.Time, ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.seq++
	heap.Push(&d.q, delivery{due: due, seq: d.seq, gen: gen, ev: ev})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// pending reports how many deliveries are queued.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.q)
}

// close drops every queued delivery and stops the goroutine. It does not wait
// for an in-flight handler, so it is safe to call from inside one.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.q = nil
	d.mu.Unlock()
	close(d.stop)
}

func (d *dispatcher) run() {
	defer close(d.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return
		}
		now := time.Now()
		var ready []delivery
		for len(d.q) > 0 && !d.q[0].due.After(now) {
			ready = append(ready, heap.Pop(&d.q).(delivery))
		}
		wait := time.Duration(-1)
		if len(d.q) > 0 {
			wait = d.q[0].due.Sub(now)
		}
		d.mu.Unlock()

		if len(ready) > 0 {
			for _, it := range ready {
				d.deliver(it.gen, it.ev)
			}
			continue
		}

		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-d.stop:
			return
		case <-d.wake:
			timer.Stop()
		case <-fire:
		}
	}
}

type deliveryQueue []delivery

func (q deliveryQueue) Len() int { return len(q) }
func (q deliveryQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}
func (q deliveryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *deliveryQueue) Push(x any)   { *q = append(*q, x.(delivery)) }
func (q *deliveryQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
