// socket.go - Duplex delivery socket.
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport implements the dual-socket transport backing the
// delivery pipeline: a pair of independently reconnectable duplex
// connections, one authenticated and one anonymous, multiplexing
// request/response exchanges and inbound envelope deliveries.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/courierkit/courierkit/core/worker"
	"github.com/courierkit/courierkit/wire"
)

var (
	// ErrNotConnected is returned when an operation fails because the
	// socket's underlying connection is gone.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrShutdown is returned when the socket is torn down mid-operation.
	ErrShutdown = errors.New("transport: shutdown requested")

	// ErrTimeout is returned when a request round trip exceeds its wait.
	ErrTimeout = errors.New("transport: request timed out")
)

// DialFunc establishes the underlying connection for a socket.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Socket is one duplex connection.  A Socket is single-connection: once
// its conn reports dead it stays dead, and the owning Pair replaces it on
// next use.
type Socket struct {
	worker.Worker

	log  *logging.Logger
	conn net.Conn

	writeLock sync.Mutex

	waitersLock sync.Mutex
	waiters     map[uint64]chan *wire.Response

	inboundCh chan inboundRequest

	nextID uint64
	dead   atomic.Bool

	// emptySeen tracks whether the queue drained sentinel has been
	// surfaced on this connection.  Atomic so concurrent readers surface
	// it exactly once; reconnecting resets it because the replacement
	// Socket starts fresh.
	emptySeen atomic.Bool
}

func dialSocket(ctx context.Context, dial DialFunc, log *logging.Logger) (*Socket, error) {
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	s := &Socket{
		log:       log,
		conn:      conn,
		waiters:   make(map[uint64]chan *wire.Response),
		inboundCh: make(chan inboundRequest, 8),
	}
	s.Go(s.readWorker)
	return s, nil
}

// IsAlive returns false once the underlying connection has failed.
func (s *Socket) IsAlive() bool {
	return !s.dead.Load()
}

// Close tears the socket down and releases its goroutines.
func (s *Socket) Close() {
	s.teardown()
	s.Halt()
}

func (s *Socket) teardown() {
	if s.dead.Swap(true) {
		return
	}
	s.conn.Close()

	// Fail every outstanding request so no caller blocks forever.
	s.waitersLock.Lock()
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
	s.waitersLock.Unlock()
}

func (s *Socket) readWorker() {
	defer s.teardown()
	for {
		f, err := wire.ReadFrame(s.conn)
		if err != nil {
			s.log.Debugf("Read worker terminating: %v", err)
			return
		}
		switch f.Type {
		case wire.FrameResponse:
			s.waitersLock.Lock()
			ch, ok := s.waiters[f.ID]
			if ok {
				delete(s.waiters, f.ID)
			}
			s.waitersLock.Unlock()
			if !ok {
				s.log.Warningf("Discarding response with unknown id %d", f.ID)
				continue
			}
			ch <- f.Response
		case wire.FrameRequest:
			select {
			case s.inboundCh <- inboundRequest{id: f.ID, req: f.Request}:
			case <-s.HaltCh():
				return
			}
		}
	}
}

func (s *Socket) writeFrame(f *wire.Frame) error {
	if !s.IsAlive() {
		return ErrNotConnected
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := wire.WriteFrame(s.conn, f); err != nil {
		s.teardown()
		return err
	}
	return nil
}

// Request performs one request/response round trip.
func (s *Socket) Request(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	id := atomic.AddUint64(&s.nextID, 1)
	ch := make(chan *wire.Response, 1)

	s.waitersLock.Lock()
	s.waiters[id] = ch
	s.waitersLock.Unlock()

	err := s.writeFrame(&wire.Frame{Type: wire.FrameRequest, ID: id, Request: req})
	if err != nil {
		s.waitersLock.Lock()
		delete(s.waiters, id)
		s.waitersLock.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		s.waitersLock.Lock()
		delete(s.waiters, id)
		s.waitersLock.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-s.HaltCh():
		return nil, ErrShutdown
	}
}

// respond acknowledges a server-originated request.
func (s *Socket) respond(id uint64, resp *wire.Response) error {
	return s.writeFrame(&wire.Frame{Type: wire.FrameResponse, ID: id, Response: resp})
}

// inboundRequest pairs a server-originated request with the frame id its
// acknowledgment must echo.
type inboundRequest struct {
	id  uint64
	req *wire.Request
}

// readInbound returns the next server-originated request, blocking up to
// timeout.
func (s *Socket) readInbound(timeout time.Duration) (inboundRequest, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case in := <-s.inboundCh:
		return in, nil
	case <-timer.C:
		return inboundRequest{}, ErrTimeout
	case <-s.HaltCh():
		return inboundRequest{}, ErrShutdown
	}
}
