// envelope.go - Envelope content codec.
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the plaintext protocol payload: the content
// blob that is built once per send, encrypted per device, and embedded in
// wire messages.  Content serialization is deterministic so that retry
// attempts reuse byte-identical plaintext.
package envelope

import (
	"fmt"
	"io"

	"github.com/courierkit/courierkit/wire"
)

// AttachmentPointer references an uploaded, encrypted attachment.
type AttachmentPointer struct {
	CDNKey      string `cbor:"1,keyasint"`
	Key         []byte `cbor:"2,keyasint"`
	Digest      []byte `cbor:"3,keyasint"`
	Size        uint64 `cbor:"4,keyasint"`
	ContentType string `cbor:"5,keyasint,omitempty"`
	FileName    string `cbor:"6,keyasint,omitempty"`
}

// DataMessage is a user-visible message.
type DataMessage struct {
	Body        string              `cbor:"1,keyasint,omitempty"`
	Attachments []AttachmentPointer `cbor:"2,keyasint,omitempty"`
	Timestamp   int64               `cbor:"3,keyasint"`
	ExpireTimer uint32              `cbor:"4,keyasint,omitempty"`
	ViewOnce    bool                `cbor:"5,keyasint,omitempty"`
	ProfileKey  []byte              `cbor:"6,keyasint,omitempty"`
}

// NullMessage is a keep-alive with a randomized padding blob.  The padding
// is the only nondeterministic byte range in built content.
type NullMessage struct {
	Padding []byte `cbor:"1,keyasint"`
}

// ReceiptMessage acknowledges delivery or reading of earlier messages.
type ReceiptMessage struct {
	Type       uint8   `cbor:"1,keyasint"`
	Timestamps []int64 `cbor:"2,keyasint"`
}

// DeliveryStatus annotates one recipient's delivery outcome inside a sync
// transcript.
type DeliveryStatus struct {
	Destination  string `cbor:"1,keyasint"`
	Unidentified bool   `cbor:"2,keyasint,omitempty"`
}

// SentTranscript is the copy of a sent message relayed to the sender's own
// linked devices.
type SentTranscript struct {
	DestinationID     string           `cbor:"1,keyasint,omitempty"`
	DestinationNumber string           `cbor:"2,keyasint,omitempty"`
	Timestamp         int64            `cbor:"3,keyasint"`
	ExpirationStart   int64            `cbor:"4,keyasint,omitempty"`
	Message           *DataMessage     `cbor:"5,keyasint,omitempty"`
	UnidentifiedStatus []DeliveryStatus `cbor:"6,keyasint,omitempty"`
	IsRecipientUpdate bool             `cbor:"7,keyasint,omitempty"`
}

// SyncMessage carries device-to-device state for the sender's own account.
type SyncMessage struct {
	Sent *SentTranscript `cbor:"1,keyasint,omitempty"`
}

// Content is the plaintext protocol payload prior to per-device
// encryption.  Exactly one of the message fields is populated.
type Content struct {
	DataMessage    *DataMessage    `cbor:"1,keyasint,omitempty"`
	SyncMessage    *SyncMessage    `cbor:"2,keyasint,omitempty"`
	NullMessage    *NullMessage    `cbor:"3,keyasint,omitempty"`
	ReceiptMessage *ReceiptMessage `cbor:"4,keyasint,omitempty"`
}

// ContentTooLargeError is the terminal error returned when built content
// exceeds the configured maximum envelope size.
type ContentTooLargeError struct {
	Size int
}

// Error implements the error interface.
func (e *ContentTooLargeError) Error() string {
	return fmt.Sprintf("envelope: content of %d bytes exceeds maximum envelope size", e.Size)
}

// Codec builds and parses content blobs, enforcing the maximum envelope
// size.  A zero maxEnvelopeSize disables the limit.
type Codec struct {
	maxEnvelopeSize int
}

// NewCodec constructs a Codec with the given size limit.
func NewCodec(maxEnvelopeSize int) *Codec {
	return &Codec{maxEnvelopeSize: maxEnvelopeSize}
}

// BuildContent serializes content deterministically.  Calling it twice on
// the same logical message yields byte-identical output.
func (c *Codec) BuildContent(content *Content) ([]byte, error) {
	blob, err := wire.Marshal(content)
	if err != nil {
		return nil, err
	}
	if c.maxEnvelopeSize > 0 && len(blob) > c.maxEnvelopeSize {
		return nil, &ContentTooLargeError{Size: len(blob)}
	}
	return blob, nil
}

// ParseContent deserializes a content blob produced by BuildContent.
func (c *Codec) ParseContent(blob []byte) (*Content, error) {
	content := new(Content)
	if err := wire.Unmarshal(blob, content); err != nil {
		return nil, err
	}
	return content, nil
}

// NewNullMessage constructs a NullMessage with 1..512 bytes of random
// padding drawn from r.
func NewNullMessage(r io.Reader) (*Content, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	padding := make([]byte, int(n[0])+1)
	if _, err := io.ReadFull(r, padding); err != nil {
		return nil, err
	}
	return &Content{NullMessage: &NullMessage{Padding: padding}}, nil
}
