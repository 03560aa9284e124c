// payloads.go - Protocol payload types.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

// MessageType identifies the session state an OutgoingMessage ciphertext
// was produced under.
type MessageType uint8

const (
	// TypeCiphertext is a message under an established session.
	TypeCiphertext MessageType = 1

	// TypePreKeyBundle is a session-initiating message produced against a
	// freshly processed prekey bundle.
	TypePreKeyBundle MessageType = 3
)

// OutgoingMessage is one ciphertext unit addressed to a single device of
// the destination account.
type OutgoingMessage struct {
	Type                      MessageType `cbor:"1,keyasint"`
	DestinationDeviceID       uint32      `cbor:"2,keyasint"`
	DestinationRegistrationID uint32      `cbor:"3,keyasint"`
	Content                   []byte      `cbor:"4,keyasint"`
}

// MessageList is the submission payload for one recipient: the fan-out of
// a single content blob across the recipient's active devices.
type MessageList struct {
	Destination string            `cbor:"1,keyasint"`
	Timestamp   int64             `cbor:"2,keyasint"`
	Messages    []OutgoingMessage `cbor:"3,keyasint"`
	Online      bool              `cbor:"4,keyasint,omitempty"`
	Urgent      bool              `cbor:"5,keyasint,omitempty"`
}

// DeviceIDs returns the device ids targeted by the list, in order.
func (m *MessageList) DeviceIDs() []uint32 {
	ids := make([]uint32, 0, len(m.Messages))
	for _, msg := range m.Messages {
		ids = append(ids, msg.DestinationDeviceID)
	}
	return ids
}

// SendResponse is the server's reply to a message submission.
type SendResponse struct {
	NeedsSync        bool `cbor:"1,keyasint,omitempty"`
	SentUnidentified bool `cbor:"2,keyasint,omitempty"`
}

// MismatchedDevices is the 409 response body: the submitted device set
// differs from the recipient's registered devices.
type MismatchedDevices struct {
	MissingDevices []uint32 `cbor:"1,keyasint,omitempty"`
	ExtraDevices   []uint32 `cbor:"2,keyasint,omitempty"`
}

// StaleDevices is the 410 response body: the listed devices' sessions are
// out of date and must be re-established.
type StaleDevices struct {
	StaleDevices []uint32 `cbor:"1,keyasint,omitempty"`
}

// PreKeyBundle is the key material needed to establish a session with one
// device.
type PreKeyBundle struct {
	DeviceID       uint32 `cbor:"1,keyasint"`
	RegistrationID uint32 `cbor:"2,keyasint"`
	IdentityKey    []byte `cbor:"3,keyasint"`
	SignedPreKeyID uint32 `cbor:"4,keyasint"`
	SignedPreKey   []byte `cbor:"5,keyasint"`
	PreKeyID       uint32 `cbor:"6,keyasint,omitempty"`
	PreKey         []byte `cbor:"7,keyasint,omitempty"`
}

// PreKeyResponse is the reply to a prekey fetch for one or all devices of
// an account.
type PreKeyResponse struct {
	IdentityKey []byte         `cbor:"1,keyasint"`
	Bundles     []PreKeyBundle `cbor:"2,keyasint"`
}

// DeviceInfo describes one of the local account's registered devices.
type DeviceInfo struct {
	ID       uint32 `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint,omitempty"`
	LastSeen int64  `cbor:"3,keyasint,omitempty"`
}

// DeviceList is the reply to a device query.
type DeviceList struct {
	Devices []DeviceInfo `cbor:"1,keyasint"`
}

// UploadAttributes describes where and how to upload one attachment blob.
// Location is an absolute URL; a non-empty Location with Resumable set
// selects the resumable path.
type UploadAttributes struct {
	ID        uint64 `cbor:"1,keyasint"`
	Key       string `cbor:"2,keyasint"`
	Location  string `cbor:"3,keyasint"`
	Resumable bool   `cbor:"4,keyasint,omitempty"`
}

// Envelope is an inbound message delivery: the ciphertext a peer produced
// for one of our devices, plus routing metadata.
type Envelope struct {
	Type         MessageType `cbor:"1,keyasint"`
	SourceID     string      `cbor:"2,keyasint,omitempty"`
	SourceDevice uint32      `cbor:"3,keyasint,omitempty"`
	Timestamp    int64       `cbor:"4,keyasint"`
	Content      []byte      `cbor:"5,keyasint"`
}

// Marshal serializes v with the package's deterministic encoding mode.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal deserializes blob into v.
func Unmarshal(blob []byte, v interface{}) error {
	return decMode.Unmarshal(blob, v)
}
