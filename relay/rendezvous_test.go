package relay_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonemirror/go-adb-relay/relay"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRendezvousQueuedCallbacksAreFIFO(t *testing.T) {
	rv := relay.NewRendezvous()
	first, _ := pipeConn(t)
	second, _ := pipeConn(t)
	rv.OfferCallback(first)
	rv.OfferCallback(second)

	got, err := rv.AwaitCallback(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, got)

	got, ok := rv.TakeCallback()
	require.True(t, ok)
	assert.Same(t, second, got)

	_, ok = rv.TakeCallback()
	assert.False(t, ok)
}

func TestRendezvousWaitersArePairedInOrder(t *testing.T) {
	rv := relay.NewRendezvous()

	type result struct {
		conn net.Conn
		err  error
	}
	firstResult := make(chan result, 1)
	go func() {
		conn, err := rv.AwaitCallback(context.Background())
		firstResult <- result{conn, err}
	}()
	require.Eventually(t, rv.Waiting, time.Second, time.Millisecond)

	secondResult := make(chan result, 1)
	go func() {
		conn, err := rv.AwaitCallback(context.Background())
		secondResult <- result{conn, err}
	}()
	// Give the second waiter a moment to register; FIFO pairing holds either
	// way, a not-yet-registered waiter picks its callback from the queue.
	require.Eventually(t, rv.Waiting, time.Second, time.Millisecond)

	callbackA, _ := pipeConn(t)
	rv.OfferCallback(callbackA)
	first := <-firstResult
	require.NoError(t, first.err)
	assert.Same(t, callbackA, first.conn)

	callbackB, _ := pipeConn(t)
	rv.OfferCallback(callbackB)
	second := <-secondResult
	require.NoError(t, second.err)
	assert.Same(t, callbackB, second.conn)
}

func TestRendezvousAwaitTimeout(t *testing.T) {
	rv := relay.NewRendezvous()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rv.AwaitCallback(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, rv.Waiting(), "timed out waiter must be unregistered")

	// A callback arriving after the timeout is kept for the next waiter.
	late, _ := pipeConn(t)
	rv.OfferCallback(late)
	got, err := rv.AwaitCallback(context.Background())
	require.NoError(t, err)
	assert.Same(t, late, got)
}

// A waiter racing Close must always come back with net.ErrClosed, never with
// a nil connection and a nil error.
func TestRendezvousCloseRaceReleasesWaitersWithError(t *testing.T) {
	for i := 0; i < 200; i++ {
		rv := relay.NewRendezvous()
		results := make(chan error, 4)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn, err := rv.AwaitCallback(context.Background())
				if err == nil && conn == nil {
					results <- errors.New("got nil connection with nil error")
					return
				}
				results <- err
			}()
		}
		rv.Close()
		wg.Wait()
		close(results)
		for err := range results {
			require.ErrorIs(t, err, net.ErrClosed)
		}
	}
}

func TestRendezvousCloseReleasesEverything(t *testing.T) {
	rv := relay.NewRendezvous()
	queued, peer := pipeConn(t)
	rv.OfferCallback(queued)

	waitErr := make(chan error, 1)
	go func() {
		// Consume the queued callback first so the second await blocks.
		if _, err := rv.AwaitCallback(context.Background()); err != nil {
			waitErr <- err
			return
		}
		_, err := rv.AwaitCallback(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, rv.Waiting, time.Second, time.Millisecond)

	rv.Close()
	require.ErrorIs(t, <-waitErr, net.ErrClosed)

	// Offers after close are closed immediately.
	lateConn, latePeer := pipeConn(t)
	rv.OfferCallback(lateConn)
	latePeer.SetReadDeadline(time.Now().Add(time.Second))
	_, err := latePeer.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = rv.AwaitCallback(context.Background())
	assert.ErrorIs(t, err, net.ErrClosed)
	_ = peer
}
