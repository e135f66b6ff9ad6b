package relay

import (
	"context"
	"net"
	"sync"
)

// Rendezvous pairs client connections waiting for an upstream with callback
// connections arriving from a device. Pairing is first in first out on both
// sides: the oldest waiting client gets the next callback, the oldest queued
// callback satisfies the next waiter.
type Rendezvous struct {
	mu        sync.Mutex
	waiters   []chan net.Conn
	callbacks []net.Conn
	closed    chan struct{}
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{closed: make(chan struct{})}
}

// OfferCallback hands a callback connection to the oldest waiter, or queues
// it if nobody is waiting yet. Offered connections are closed when the
// rendezvous is already closed.
func (r *Rendezvous) OfferCallback(conn net.Conn) {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		conn.Close()
		return
	default:
	}
	if len(r.waiters) > 0 {
		waiter := r.waiters[0]
		r.waiters = r.waiters[1:]
		r.mu.Unlock()
		waiter <- conn
		return
	}
	r.callbacks = append(r.callbacks, conn)
	r.mu.Unlock()
}

// TakeCallback pops a queued callback without blocking.
func (r *Rendezvous) TakeCallback() (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.callbacks) == 0 {
		return nil, false
	}
	conn := r.callbacks[0]
	r.callbacks = r.callbacks[1:]
	return conn, true
}

// AwaitCallback blocks until a callback connection arrives, the context is
// cancelled or the rendezvous is closed.
func (r *Rendezvous) AwaitCallback(ctx context.Context) (net.Conn, error) {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return nil, net.ErrClosed
	default:
	}
	if len(r.callbacks) > 0 {
		conn := r.callbacks[0]
		r.callbacks = r.callbacks[1:]
		r.mu.Unlock()
		return conn, nil
	}
	ch := make(chan net.Conn, 1)
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()

	select {
	case conn := <-ch:
		// A nil conn means Close released this waiter before the closed
		// signal was observed.
		if conn == nil {
			return nil, net.ErrClosed
		}
		return conn, nil
	case <-r.closed:
		r.abandon(ch)
		return nil, net.ErrClosed
	case <-ctx.Done():
		r.abandon(ch)
		return nil, ctx.Err()
	}
}

// abandon unregisters a waiter. If a callback was already handed to it, the
// connection is requeued for the next waiter instead of being lost.
func (r *Rendezvous) abandon(ch chan net.Conn) {
	r.mu.Lock()
	for i, waiter := range r.waiters {
		if waiter == ch {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()
	// Not in the list anymore, delivery is done or imminent.
	if conn := <-ch; conn != nil {
		r.OfferCallback(conn)
	}
}

// Waiting reports whether any client is currently blocked on a callback.
func (r *Rendezvous) Waiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters) > 0
}

// Close abandons all callback expectations: queued callbacks are closed and
// every blocked waiter is released with an error. Close is idempotent.
func (r *Rendezvous) Close() {
	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		return
	default:
	}
	close(r.closed)
	callbacks := r.callbacks
	waiters := r.waiters
	r.callbacks = nil
	r.waiters = nil
	r.mu.Unlock()
	for _, waiter := range waiters {
		close(waiter)
	}
	for _, conn := range callbacks {
		conn.Close()
	}
}
