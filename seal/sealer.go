// sealer.go - Built-in session crypto.
// SPDX-License-Identifier: AGPL-3.0-only

package seal

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/courierkit/courierkit/wire"
)

const (
	keySize = 32

	rootInfo    = "courierkit-session-root"
	messageInfo = "courierkit-message-key"
)

// IdentityKeyPair is the sender's long-term X25519 key pair.
type IdentityKeyPair struct {
	Private [keySize]byte
	Public  [keySize]byte
}

// GenerateIdentity creates a fresh identity key pair from r.
func GenerateIdentity(r io.Reader) (*IdentityKeyPair, error) {
	kp := new(IdentityKeyPair)
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// record is the persisted session state for one device.
type record struct {
	RootKey        []byte `cbor:"1,keyasint"`
	PeerIdentity   []byte `cbor:"2,keyasint"`
	EphemeralPub   []byte `cbor:"3,keyasint"`
	RegistrationID uint32 `cbor:"4,keyasint"`
	Counter        uint64 `cbor:"5,keyasint"`
	PreKeyID       uint32 `cbor:"6,keyasint,omitempty"`
	SignedPreKeyID uint32 `cbor:"7,keyasint"`
	Fresh          bool   `cbor:"8,keyasint,omitempty"`
}

// sealedMessage is the ciphertext unit placed in an OutgoingMessage.
type sealedMessage struct {
	SenderIdentity []byte `cbor:"1,keyasint"`
	EphemeralPub   []byte `cbor:"2,keyasint"`
	PreKeyID       uint32 `cbor:"3,keyasint,omitempty"`
	SignedPreKeyID uint32 `cbor:"4,keyasint"`
	Counter        uint64 `cbor:"5,keyasint"`
	Nonce          []byte `cbor:"6,keyasint"`
	Ciphertext     []byte `cbor:"7,keyasint"`
}

func dh(priv, pub []byte) ([]byte, error) {
	if len(priv) != keySize || len(pub) != keySize {
		return nil, errors.New("seal: bad X25519 key length")
	}
	return curve25519.X25519(priv, pub)
}

func deriveRoot(parts ...[]byte) []byte {
	ikm := make([]byte, 0, keySize*len(parts))
	for _, p := range parts {
		ikm = append(ikm, p...)
	}
	root := make([]byte, keySize)
	r := hkdf.New(sha256.New, ikm, nil, []byte(rootInfo))
	if _, err := io.ReadFull(r, root); err != nil {
		panic(err)
	}
	return root
}

// establishSession derives a fresh session record from a prekey bundle.
// Malformed bundle keys yield an InvalidKeyError.
func establishSession(local *IdentityKeyPair, peerIdentity []byte, bundle *wire.PreKeyBundle, rng io.Reader) (*record, error) {
	if len(peerIdentity) != keySize || len(bundle.SignedPreKey) != keySize {
		return nil, &InvalidKeyError{Err: fmt.Errorf("bundle for device %d has malformed keys", bundle.DeviceID)}
	}
	if bundle.PreKey != nil && len(bundle.PreKey) != keySize {
		return nil, &InvalidKeyError{Err: fmt.Errorf("bundle for device %d has a malformed one-time prekey", bundle.DeviceID)}
	}

	var ephPriv [keySize]byte
	if _, err := io.ReadFull(rng, ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, &InvalidKeyError{Err: err}
	}

	dh1, err := dh(local.Private[:], bundle.SignedPreKey)
	if err != nil {
		return nil, &InvalidKeyError{Err: err}
	}
	dh2, err := dh(ephPriv[:], peerIdentity)
	if err != nil {
		return nil, &InvalidKeyError{Err: err}
	}
	dh3, err := dh(ephPriv[:], bundle.SignedPreKey)
	if err != nil {
		return nil, &InvalidKeyError{Err: err}
	}

	parts := [][]byte{dh1, dh2, dh3}
	if bundle.PreKey != nil {
		dh4, err := dh(ephPriv[:], bundle.PreKey)
		if err != nil {
			return nil, &InvalidKeyError{Err: err}
		}
		parts = append(parts, dh4)
	}

	return &record{
		RootKey:        deriveRoot(parts...),
		PeerIdentity:   append([]byte(nil), peerIdentity...),
		EphemeralPub:   ephPub,
		RegistrationID: bundle.RegistrationID,
		PreKeyID:       bundle.PreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
		Fresh:          true,
	}, nil
}

func (r *record) messageKey(counter uint64) []byte {
	info := make([]byte, len(messageInfo)+8)
	copy(info, messageInfo)
	binary.BigEndian.PutUint64(info[len(messageInfo):], counter)
	key := make([]byte, keySize)
	kr := hkdf.New(sha256.New, r.RootKey, nil, info)
	if _, err := io.ReadFull(kr, key); err != nil {
		panic(err)
	}
	return key
}

// encrypt seals plaintext under the record's next message key and advances
// the send counter.
func (r *record) encrypt(local *IdentityKeyPair, plaintext []byte, rng io.Reader) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(r.messageKey(r.Counter))
	if err != nil {
		return nil, &InvalidKeyError{Err: err}
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, err
	}

	msg := &sealedMessage{
		SenderIdentity: local.Public[:],
		EphemeralPub:   r.EphemeralPub,
		PreKeyID:       r.PreKeyID,
		SignedPreKeyID: r.SignedPreKeyID,
		Counter:        r.Counter,
		Nonce:          nonce,
		Ciphertext:     aead.Seal(nil, nonce, plaintext, nil),
	}
	r.Counter++

	return wire.Marshal(msg)
}

// messageType returns the wire message type matching the session state.
func (r *record) messageType() wire.MessageType {
	if r.Fresh {
		return wire.TypePreKeyBundle
	}
	return wire.TypeCiphertext
}
