// Package relay contains the generic TCP listener and the bidirectional byte
// pump. A Listener accepts client connections, asks its UpstreamResolver for
// the matching upstream connection and then copies raw bytes in both
// directions until both sides are done. The relay has no knowledge of the
// protocols it carries and never writes bytes of its own into either stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// DefaultResolveTimeout bounds how long a client connection may wait for its
// upstream. Established sessions are never subject to a timeout.
const DefaultResolveTimeout = 10 * time.Second

const copyBufferSize = 32 * 1024

// UpstreamResolver pairs an accepted client connection with its upstream. For
// a control port this is a dial to the device's debug endpoint, for a media
// port it is a wait for the companion's callback connection.
type UpstreamResolver func(ctx context.Context, client net.Conn) (net.Conn, error)

// ListenError is a failed port bind. It is fatal for this listener only, the
// owner marks the device degraded and retries on a later enumeration pass.
type ListenError struct {
	Port int
	Err  error
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("cannot listen on port %d: %v", e.Port, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }

// Listener serves one relayed port. Sessions run independently of each other
// and of the accept loop; a failed or timed out resolution closes only the
// client connection that triggered it.
type Listener struct {
	// Port to bind on all interfaces. Zero picks an ephemeral port, see Addr.
	Port int
	// Resolve produces the upstream for each accepted client.
	Resolve UpstreamResolver
	// ResolveTimeout overrides DefaultResolveTimeout when non-zero.
	ResolveTimeout time.Duration
	// Intercept, when set, is offered every accepted connection before it is
	// treated as a client. Returning true means the connection was claimed
	// (the media port uses this for companion callback connections).
	Intercept func(conn net.Conn) bool
	// OnSessionStart and OnSessionEnd, when set, are called once per
	// established session.
	OnSessionStart func()
	OnSessionEnd   func()

	ln   net.Listener
	done chan struct{}
}

// Start binds the port and spawns the accept loop. The listener runs until
// ctx is cancelled; cancelling also tears down every session it spawned.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", l.Port))
	if err != nil {
		return &ListenError{Port: l.Port, Err: err}
	}
	l.ln = ln
	l.done = make(chan struct{})
	log.WithField("port", l.Port).Info("listening")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go l.acceptLoop(ctx)
	return nil
}

// Close stops accepting and returns only once the listening socket is
// released, so the caller can rebind the port immediately. Established
// sessions keep running until their context ends.
func (l *Listener) Close() {
	l.ln.Close()
	<-l.done
}

// Addr is the bound address, valid after Start returned nil.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithField("port", l.Port).Errorf("error accepting new connection %v", err)
			continue
		}
		if l.Intercept != nil && l.Intercept(conn) {
			continue
		}
		go l.handleClient(ctx, conn)
	}
}

func (l *Listener) handleClient(ctx context.Context, client net.Conn) {
	timeout := l.ResolveTimeout
	if timeout == 0 {
		timeout = DefaultResolveTimeout
	}
	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	upstream, err := l.Resolve(resolveCtx, client)
	cancel()
	if err != nil {
		// The rejected client just sees its connection close, no bytes are
		// injected into the stream.
		log.WithFields(log.Fields{
			"port":   l.Port,
			"client": client.RemoteAddr().String(),
		}).Warnf("could not resolve upstream, closing client: %v", err)
		client.Close()
		return
	}

	if l.OnSessionStart != nil {
		l.OnSessionStart()
	}
	s := &session{
		id:       uuid.New().String(),
		port:     l.Port,
		client:   client,
		upstream: upstream,
	}
	s.run(ctx)
	if l.OnSessionEnd != nil {
		l.OnSessionEnd()
	}
}

// session owns exactly one client and one upstream connection.
type session struct {
	id       string
	port     int
	client   net.Conn
	upstream net.Conn
}

func (s *session) run(ctx context.Context) {
	logger := log.WithFields(log.Fields{
		"session": s.id,
		"port":    s.port,
		"client":  s.client.RemoteAddr().String(),
	})
	logger.Info("session established")

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.teardown()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(logger, s.upstream, s.client, "client->upstream")
	}()
	go func() {
		defer wg.Done()
		s.pump(logger, s.client, s.upstream, "upstream->client")
	}()
	wg.Wait()
	close(done)
	s.teardown()
	logger.Info("session closed")
}

// pump copies one direction. A clean end of stream only half-closes the
// write side so the opposite direction can keep flowing; an I/O error tears
// the whole session down.
func (s *session) pump(logger *log.Entry, dst, src net.Conn, direction string) {
	buf := make([]byte, copyBufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		logger.WithFields(log.Fields{"direction": direction, "bytes": n}).Debugf("copy ended: %v", err)
		s.teardown()
		return
	}
	logger.WithFields(log.Fields{"direction": direction, "bytes": n}).Debug("copy ended")
	halfClose(dst)
}

func (s *session) teardown() {
	s.client.Close()
	s.upstream.Close()
}

type closeWriter interface {
	CloseWrite() error
}

func halfClose(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}
