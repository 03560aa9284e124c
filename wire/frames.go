// frames.go - Duplex transport wire frames.
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the frames exchanged over the duplex delivery
// transport along with the protocol payload types shared by the duplex
// and synchronous HTTP paths.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MessagePath is the path of the message submission resource.  Inbound
	// envelope frames arrive as PUTs to this path.
	MessagePath = "/v1/messages"

	// QueueEmptyPath is the path of the queue drained sentinel sent by the
	// server once the inbound spool has been fully delivered.
	QueueEmptyPath = "/v1/queue/empty"

	// KeysPath is the path prefix of the prekey distribution resource.
	KeysPath = "/v2/keys"

	// AttachmentFormPath is the path of the attachment upload attributes
	// resource.
	AttachmentFormPath = "/v2/attachments/form/upload"

	// DevicesPath is the path of the account's registered device list.
	DevicesPath = "/v1/devices"

	// UnidentifiedAccessHeader carries the anonymous delivery credential.
	// Its presence selects unidentified-socket routing.
	UnidentifiedAccessHeader = "Unidentified-Access-Key"

	// MaxFrameSize bounds a single frame on the wire.  Larger frames are
	// rejected before decode to cap peer-controlled allocations.
	MaxFrameSize = 2 * 1024 * 1024
)

var (
	errFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	errInvalidFrame  = errors.New("wire: malformed frame")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// FrameType discriminates the two frame directions multiplexed over a
// duplex socket.
type FrameType uint8

const (
	// FrameRequest carries a Request, client or server originated.
	FrameRequest FrameType = 1

	// FrameResponse carries a Response correlated by frame ID.
	FrameResponse FrameType = 2
)

// Frame is the unit of transmission on a duplex socket.
type Frame struct {
	Type     FrameType `cbor:"1,keyasint"`
	ID       uint64    `cbor:"2,keyasint"`
	Request  *Request  `cbor:"3,keyasint,omitempty"`
	Response *Response `cbor:"4,keyasint,omitempty"`
}

// Request is a verb/path request frame.  Server originated requests are
// envelope deliveries and queue sentinels; client originated requests are
// message submissions.
type Request struct {
	Verb    string   `cbor:"1,keyasint"`
	Path    string   `cbor:"2,keyasint"`
	Headers []string `cbor:"3,keyasint,omitempty"`
	Body    []byte   `cbor:"4,keyasint,omitempty"`
}

// Response is a status/body response frame.
type Response struct {
	Status  uint32   `cbor:"1,keyasint"`
	Message string   `cbor:"2,keyasint,omitempty"`
	Headers []string `cbor:"3,keyasint,omitempty"`
	Body    []byte   `cbor:"4,keyasint,omitempty"`
}

// Header returns the value of the named header, if present.  Header names
// compare case-insensitively.
func (r *Request) Header(key string) (string, bool) {
	for _, h := range r.Headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// WriteFrame serializes f to w with a length prefix.
func WriteFrame(w io.Writer, f *Frame) error {
	blob, err := encMode.Marshal(f)
	if err != nil {
		return err
	}
	if len(blob) > MaxFrameSize {
		return errFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(blob)))
	if _, err = w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(blob)
	return err
}

// ReadFrame reads a single length-prefixed frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, err
	}
	f := new(Frame)
	if err := decMode.Unmarshal(blob, f); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFrame, err)
	}
	switch f.Type {
	case FrameRequest:
		if f.Request == nil {
			return nil, errInvalidFrame
		}
	case FrameResponse:
		if f.Response == nil {
			return nil, errInvalidFrame
		}
	default:
		return nil, errInvalidFrame
	}
	return f, nil
}
