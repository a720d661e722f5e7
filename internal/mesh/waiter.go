package mesh

import (
	"sync"
	"time"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

// Bodies of the null packets a Waiter yields when no reply arrives.
const (
	nullTimeout = "Timeout"
	nullClosed  = "Closed"
)

// waitKey identifies what a Waiter is waiting for: a message type from one
// peer, or from anyone when wildcard is set.
type waitKey struct {
	peer     int64
	wildcard bool
	mtype    string
}

func keyFrom(peer int64, mtype string) waitKey {
	return waitKey{peer: peer, mtype: mtype}
}

func keyAny(mtype string) waitKey {
	return waitKey{wildcard: true, mtype: mtype}
}

// Waiter is a one-shot mailbox for a single matching packet.
type Waiter struct {
	key     waitKey
	table   *waiters
	ch      chan *protocol.Packet
	timeout time.Duration
}

// Recv blocks until a matching packet arrives or timeout elapses (the
// table's default when timeout is zero). On timeout it returns a null
// packet with body "Timeout" and the waiter leaves its queue.
func (w *Waiter) Recv(timeout time.Duration) *protocol.Packet {
	if timeout <= 0 {
		timeout = w.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-w.ch:
		return p
	case <-timer.C:
	}

	if w.table.remove(w) {
		return protocol.Null(nullTimeout)
	}
	// Lost the race with deliver, which fills ch before releasing the lock.
	return <-w.ch
}

// waiters holds a FIFO queue of Waiters per key. Each arrival wakes the
// oldest waiter on its key, so concurrent waits on one key are all served
// in order instead of sharing a slot.
type waiters struct {
	timeout time.Duration

	mu     sync.Mutex
	queues map[waitKey][]*Waiter
	closed bool
}

func newWaiters(timeout time.Duration) *waiters {
	return &waiters{timeout: timeout, queues: make(map[waitKey][]*Waiter)}
}

func (t *waiters) register(key waitKey) *Waiter {
	w := &Waiter{key: key, table: t, ch: make(chan *protocol.Packet, 1), timeout: t.timeout}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		w.ch <- protocol.Null(nullClosed)
		return w
	}
	t.queues[key] = append(t.queues[key], w)
	return w
}

// deliver hands p to the oldest waiter on key and reports whether there
// was one.
func (t *waiters) deliver(key waitKey, p *protocol.Packet) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[key]
	if len(q) == 0 {
		return false
	}
	w := q[0]
	if len(q) == 1 {
		delete(t.queues, key)
	} else {
		t.queues[key] = q[1:]
	}
	w.ch <- p
	return true
}

// cancel drops w without waking it.
func (t *waiters) cancel(w *Waiter) { t.remove(w) }

func (t *waiters) remove(w *Waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[w.key]
	for i, x := range q {
		if x != w {
			continue
		}
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(t.queues, w.key)
		} else {
			t.queues[w.key] = q
		}
		return true
	}
	return false
}

// pending is the number of queued waiters on key.
func (t *waiters) pending(key waitKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[key])
}

// closeAll wakes every waiter with a "Closed" null packet and makes later
// registrations return immediately.
func (t *waiters) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, q := range t.queues {
		for _, w := range q {
			w.ch <- protocol.Null(nullClosed)
		}
		delete(t.queues, key)
	}
}
