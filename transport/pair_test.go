// pair_test.go - Transport pair tests.
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/wire"
)

// testPeer speaks the frame protocol on the server side of an in-memory
// connection.  Request frames from the client are recorded and answered
// with a fixed status; response frames (acknowledgments of pushed
// deliveries) are routed to acks.
type testPeer struct {
	sync.Mutex

	requests []*wire.Request
	acks     chan *wire.Frame
	nextID   uint64
	conn     net.Conn
}

func newTestPeer() *testPeer {
	return &testPeer{acks: make(chan *wire.Frame, 8)}
}

func (p *testPeer) dial(status uint32) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		p.Lock()
		p.conn = server
		p.Unlock()
		go p.serve(server, status)
		return client, nil
	}
}

func (p *testPeer) serve(conn net.Conn, status uint32) {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if f.Type == wire.FrameResponse {
			p.acks <- f
			continue
		}
		p.Lock()
		p.requests = append(p.requests, f.Request)
		p.Unlock()
		resp := &wire.Frame{
			Type:     wire.FrameResponse,
			ID:       f.ID,
			Response: &wire.Response{Status: status, Message: http.StatusText(int(status))},
		}
		if err = wire.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

// push delivers a server-originated request frame and returns its id.
func (p *testPeer) push(t *testing.T, req *wire.Request) uint64 {
	p.Lock()
	p.nextID++
	id := p.nextID
	conn := p.conn
	p.Unlock()
	err := wire.WriteFrame(conn, &wire.Frame{Type: wire.FrameRequest, ID: id, Request: req})
	require.NoError(t, err)
	return id
}

// awaitAck returns the client's next acknowledgment.
func (p *testPeer) awaitAck(t *testing.T) *wire.Frame {
	select {
	case f := <-p.acks:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for acknowledgment")
		return nil
	}
}

func newTestPair(t *testing.T, identified, unidentified *testPeer, idStatus, unidStatus uint32) *Pair {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	p, err := NewPair(&Config{
		DialIdentified:   identified.dial(idStatus),
		DialUnidentified: unidentified.dial(unidStatus),
		LogBackend:       backend,
		RequestTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	return p
}

func TestRequestIdentified(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identified, unidentified := newTestPeer(), newTestPeer()
	p := newTestPair(t, identified, unidentified, http.StatusOK, http.StatusOK)
	defer p.Disconnect()

	resp, err := p.Request(context.Background(), &wire.Request{Verb: "PUT", Path: wire.MessagePath}, nil)
	require.NoError(err)
	require.Equal(uint32(http.StatusOK), resp.Status)

	// No access token, so the unidentified socket was never dialed.
	require.Len(identified.requests, 1)
	require.Empty(unidentified.requests)

	_, ok := identified.requests[0].Header(wire.UnidentifiedAccessHeader)
	require.False(ok)
}

func TestRequestUnidentifiedFallback(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identified, unidentified := newTestPeer(), newTestPeer()
	p := newTestPair(t, identified, unidentified, http.StatusOK, http.StatusUnauthorized)
	defer p.Disconnect()

	resp, err := p.Request(context.Background(), &wire.Request{Verb: "PUT", Path: wire.MessagePath}, []byte("token"))
	require.NoError(err)
	require.Equal(uint32(http.StatusOK), resp.Status)

	// The anonymous attempt carried the access header and was rejected;
	// the resend on the identified socket must not carry it, and the
	// fallback happens exactly once.
	require.Len(unidentified.requests, 1)
	_, ok := unidentified.requests[0].Header(wire.UnidentifiedAccessHeader)
	require.True(ok)

	require.Len(identified.requests, 1)
	_, ok = identified.requests[0].Header(wire.UnidentifiedAccessHeader)
	require.False(ok)
}

func TestRequestUnidentifiedAccepted(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identified, unidentified := newTestPeer(), newTestPeer()
	p := newTestPair(t, identified, unidentified, http.StatusOK, http.StatusOK)
	defer p.Disconnect()

	resp, err := p.Request(context.Background(), &wire.Request{Verb: "PUT", Path: wire.MessagePath}, []byte("token"))
	require.NoError(err)
	require.Equal(uint32(http.StatusOK), resp.Status)
	require.Len(unidentified.requests, 1)
	require.Empty(identified.requests)
}

func TestReadOrEmpty(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	identified, unidentified := newTestPeer(), newTestPeer()
	p := newTestPair(t, identified, unidentified, http.StatusOK, http.StatusOK)
	defer p.Disconnect()
	require.NoError(p.Connect(context.Background()))

	envBody, err := wire.Marshal(&wire.Envelope{
		Type:         wire.TypeCiphertext,
		SourceID:     "9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e",
		SourceDevice: 1,
		Timestamp:    1723480000000,
		Content:      []byte("ciphertext"),
	})
	require.NoError(err)

	type readResult struct {
		env *wire.Envelope
		err error
	}
	resultCh := make(chan readResult, 1)
	handled := make(chan struct{}, 1)
	go func() {
		env, err := p.ReadOrEmpty(context.Background(), 5*time.Second, func(e *wire.Envelope) error {
			handled <- struct{}{}
			return nil
		})
		resultCh <- readResult{env, err}
	}()

	// An unrecognized frame is acknowledged with a 400 and skipped.
	identified.push(t, &wire.Request{Verb: "GET", Path: "/v1/unknown"})
	ack := identified.awaitAck(t)
	require.Equal(uint32(http.StatusBadRequest), ack.Response.Status)

	// The envelope is handled before the acknowledgment is written.
	id := identified.push(t, &wire.Request{Verb: "PUT", Path: wire.MessagePath, Body: envBody})
	<-handled
	ack = identified.awaitAck(t)
	require.Equal(id, ack.ID)
	require.Equal(uint32(http.StatusOK), ack.Response.Status)

	res := <-resultCh
	require.NoError(res.err)
	require.NotNil(res.env)
	require.Equal([]byte("ciphertext"), res.env.Content)

	// The queue drained sentinel surfaces exactly once per connection.
	go func() {
		env, err := p.ReadOrEmpty(context.Background(), 5*time.Second, nil)
		resultCh <- readResult{env, err}
	}()
	identified.push(t, &wire.Request{Verb: "PUT", Path: wire.QueueEmptyPath})
	ack = identified.awaitAck(t)
	require.Equal(uint32(http.StatusOK), ack.Response.Status)
	res = <-resultCh
	require.NoError(res.err)
	require.Nil(res.env)

	// A repeat sentinel on the same connection is acked but not
	// surfaced; the read runs into its timeout instead.
	go func() {
		env, err := p.ReadOrEmpty(context.Background(), 250*time.Millisecond, nil)
		resultCh <- readResult{env, err}
	}()
	identified.push(t, &wire.Request{Verb: "PUT", Path: wire.QueueEmptyPath})
	ack = identified.awaitAck(t)
	require.Equal(uint32(http.StatusOK), ack.Response.Status)
	res = <-resultCh
	require.ErrorIs(res.err, ErrTimeout)
}
