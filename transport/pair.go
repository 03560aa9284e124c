// pair.go - Dual-socket transport pair.
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/wire"
)

// DefaultRequestTimeout bounds a single request round trip.
const DefaultRequestTimeout = 10 * time.Second

// Config configures a Pair.
type Config struct {
	// DialIdentified establishes the authenticated connection.
	DialIdentified DialFunc

	// DialUnidentified establishes the anonymous connection.
	DialUnidentified DialFunc

	// LogBackend supplies the loggers.
	LogBackend *log.Backend

	// RequestTimeout bounds each request round trip, defaulting to
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

func (cfg *Config) validate() error {
	if cfg.DialIdentified == nil || cfg.DialUnidentified == nil {
		return errors.New("transport: missing dialer")
	}
	if cfg.LogBackend == nil {
		return errors.New("transport: no log backend provided")
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return nil
}

// Pair owns the identified and unidentified sockets.  Both are created
// lazily on first use and transparently replaced when their connection
// dies; Connect materializes both eagerly.
type Pair struct {
	cfg *Config
	log *logging.Logger

	lock         chan struct{} // guards the two socket fields
	identified   *Socket
	unidentified *Socket
}

// NewPair constructs a Pair.
func NewPair(cfg *Config) (*Pair, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pair{
		cfg:  cfg,
		log:  cfg.LogBackend.GetLogger("transport"),
		lock: make(chan struct{}, 1),
	}
	p.lock <- struct{}{}
	return p, nil
}

func (p *Pair) acquire(ctx context.Context) error {
	select {
	case <-p.lock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pair) release() {
	p.lock <- struct{}{}
}

// Connect eagerly materializes both sockets.
func (p *Pair) Connect(ctx context.Context) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	if _, err := p.identifiedLocked(ctx); err != nil {
		return err
	}
	_, err := p.unidentifiedLocked(ctx)
	return err
}

// Disconnect tears both sockets down.  The next use rebuilds fresh
// connections.
func (p *Pair) Disconnect() {
	if err := p.acquire(context.Background()); err != nil {
		return
	}
	defer p.release()

	if p.identified != nil {
		p.identified.Close()
		p.identified = nil
	}
	if p.unidentified != nil {
		p.unidentified.Close()
		p.unidentified = nil
	}
}

func (p *Pair) identifiedLocked(ctx context.Context) (*Socket, error) {
	if p.identified != nil && p.identified.IsAlive() {
		return p.identified, nil
	}
	if p.identified != nil {
		p.identified.Close()
	}
	s, err := dialSocket(ctx, p.cfg.DialIdentified, p.cfg.LogBackend.GetLogger("transport/identified"))
	if err != nil {
		p.identified = nil
		return nil, err
	}
	p.identified = s
	return s, nil
}

func (p *Pair) unidentifiedLocked(ctx context.Context) (*Socket, error) {
	if p.unidentified != nil && p.unidentified.IsAlive() {
		return p.unidentified, nil
	}
	if p.unidentified != nil {
		p.unidentified.Close()
	}
	s, err := dialSocket(ctx, p.cfg.DialUnidentified, p.cfg.LogBackend.GetLogger("transport/unidentified"))
	if err != nil {
		p.unidentified = nil
		return nil, err
	}
	p.unidentified = s
	return s, nil
}

func (p *Pair) socket(ctx context.Context, unidentified bool) (*Socket, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()
	if unidentified {
		return p.unidentifiedLocked(ctx)
	}
	return p.identifiedLocked(ctx)
}

// Request performs a request on the appropriate socket.  When accessToken
// is present the request goes out on the unidentified socket with the
// access header attached; a 401 response causes exactly one transparent
// resend on the identified socket, whose outcome is returned as-is.
func (p *Pair) Request(ctx context.Context, req *wire.Request, accessToken []byte) (*wire.Response, error) {
	if accessToken == nil {
		return p.requestOn(ctx, req, false)
	}

	anon := *req
	anon.Headers = append(append([]string(nil), req.Headers...),
		fmt.Sprintf("%s: %s", wire.UnidentifiedAccessHeader, base64.StdEncoding.EncodeToString(accessToken)))

	resp, err := p.requestOn(ctx, &anon, true)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		p.log.Debugf("Unidentified socket rejected the access credential, resending identified.")
		return p.requestOn(ctx, req, false)
	}
	return resp, nil
}

func (p *Pair) requestOn(ctx context.Context, req *wire.Request, unidentified bool) (*wire.Response, error) {
	s, err := p.socket(ctx, unidentified)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	return s.Request(reqCtx, req)
}

// ReadOrEmpty blocks on the identified socket for one inbound frame, up
// to timeout.  Delivered envelopes are passed to handler before the
// acknowledgment is written, so the caller can persist durably first; a
// handler error suppresses the acknowledgment and is returned.  A nil
// envelope with a nil error is the queue drained sentinel, surfaced at
// most once per connection lifetime.  Unrecognized frames are
// acknowledged with a 400 status and skipped.
func (p *Pair) ReadOrEmpty(ctx context.Context, timeout time.Duration, handler func(*wire.Envelope) error) (*wire.Envelope, error) {
	s, err := p.socket(ctx, false)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		in, err := s.readInbound(remaining)
		if err != nil {
			return nil, err
		}

		switch {
		case in.req.Verb == http.MethodPut && in.req.Path == wire.MessagePath:
			env := new(wire.Envelope)
			if err = wire.Unmarshal(in.req.Body, env); err != nil {
				p.log.Warningf("Discarding malformed envelope: %v", err)
				if err = s.respond(in.id, &wire.Response{Status: http.StatusBadRequest, Message: "Bad Request"}); err != nil {
					return nil, err
				}
				continue
			}
			// The handler must complete before the acknowledgment goes
			// out; an acked envelope the caller failed to persist would
			// be lost forever.
			if handler != nil {
				if err = handler(env); err != nil {
					return nil, err
				}
			}
			if err = s.respond(in.id, &wire.Response{Status: http.StatusOK, Message: "OK"}); err != nil {
				return nil, err
			}
			return env, nil

		case in.req.Verb == http.MethodPut && in.req.Path == wire.QueueEmptyPath:
			if err = s.respond(in.id, &wire.Response{Status: http.StatusOK, Message: "OK"}); err != nil {
				return nil, err
			}
			if s.emptySeen.Swap(true) {
				continue
			}
			return nil, nil

		default:
			p.log.Debugf("Acknowledging unrecognized frame %s %s", in.req.Verb, in.req.Path)
			if err = s.respond(in.id, &wire.Response{Status: http.StatusBadRequest, Message: "Bad Request"}); err != nil {
				return nil, err
			}
		}
	}
}

// IdentifiedAlive reports whether the identified socket currently holds a
// live connection without dialing one.
func (p *Pair) IdentifiedAlive() bool {
	if err := p.acquire(context.Background()); err != nil {
		return false
	}
	defer p.release()
	return p.identified != nil && p.identified.IsAlive()
}

// UnidentifiedAlive reports whether the unidentified socket currently
// holds a live connection without dialing one.
func (p *Pair) UnidentifiedAlive() bool {
	if err := p.acquire(context.Background()); err != nil {
		return false
	}
	defer p.release()
	return p.unidentified != nil && p.unidentified.IsAlive()
}
