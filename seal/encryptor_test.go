// encryptor_test.go - Per-device encryption tests.
// SPDX-License-Identifier: AGPL-3.0-only

package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/courierkit/courierkit/address"
	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/session"
	"github.com/courierkit/courierkit/wire"
)

type testDeviceKeys struct {
	identityPriv [32]byte
	identityPub  []byte
	spkPriv      [32]byte
	spkPub       []byte
}

func newTestDeviceKeys(t *testing.T) *testDeviceKeys {
	k := new(testDeviceKeys)
	_, err := io.ReadFull(rand.Reader, k.identityPriv[:])
	require.NoError(t, err)
	_, err = io.ReadFull(rand.Reader, k.spkPriv[:])
	require.NoError(t, err)
	k.identityPub, err = curve25519.X25519(k.identityPriv[:], curve25519.Basepoint)
	require.NoError(t, err)
	k.spkPub, err = curve25519.X25519(k.spkPriv[:], curve25519.Basepoint)
	require.NoError(t, err)
	return k
}

func (k *testDeviceKeys) bundle(deviceID, registrationID uint32) wire.PreKeyBundle {
	return wire.PreKeyBundle{
		DeviceID:       deviceID,
		RegistrationID: registrationID,
		IdentityKey:    k.identityPub,
		SignedPreKeyID: 7,
		SignedPreKey:   k.spkPub,
	}
}

// open re-derives the session root from the receiver's side and opens a
// sealed message.
func (k *testDeviceKeys) open(t *testing.T, blob []byte) []byte {
	require := require.New(t)

	msg := new(sealedMessage)
	require.NoError(wire.Unmarshal(blob, msg))

	dh1, err := curve25519.X25519(k.spkPriv[:], msg.SenderIdentity)
	require.NoError(err)
	dh2, err := curve25519.X25519(k.identityPriv[:], msg.EphemeralPub)
	require.NoError(err)
	dh3, err := curve25519.X25519(k.spkPriv[:], msg.EphemeralPub)
	require.NoError(err)
	root := deriveRoot(dh1, dh2, dh3)

	info := make([]byte, len(messageInfo)+8)
	copy(info, messageInfo)
	binary.BigEndian.PutUint64(info[len(messageInfo):], msg.Counter)
	key := make([]byte, keySize)
	_, err = io.ReadFull(hkdf.New(sha256.New, root, nil, info), key)
	require.NoError(err)

	aead, err := chacha20poly1305.NewX(key)
	require.NoError(err)
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, nil)
	require.NoError(err)
	return plaintext
}

type fakeKeyService struct {
	identityKey []byte
	bundles     []wire.PreKeyBundle
	fetches     int
}

func (f *fakeKeyService) PreKeyBundles(ctx context.Context, recipient address.Address, accessToken []byte, deviceID uint32) (*wire.PreKeyResponse, error) {
	f.fetches++
	if deviceID == AllDevices {
		return &wire.PreKeyResponse{IdentityKey: f.identityKey, Bundles: f.bundles}, nil
	}
	for _, b := range f.bundles {
		if b.DeviceID == deviceID {
			return &wire.PreKeyResponse{IdentityKey: f.identityKey, Bundles: []wire.PreKeyBundle{b}}, nil
		}
	}
	return nil, ErrNoBundle
}

func newTestEncryptor(t *testing.T, keys KeyService) (*Encryptor, session.Store, IdentityStore) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	identity, err := GenerateIdentity(rand.Reader)
	require.NoError(err)

	local, err := address.New("52a9a816-5d49-41da-a98f-0a6ba9087dcc", "")
	require.NoError(err)

	store := session.NewMemStore()
	identities := NewMemIdentityStore()
	e, err := New(&Config{
		LocalAddress:  local,
		LocalDeviceID: 1,
		LocalIdentity: identity,
		Store:         store,
		Identities:    identities,
		Keys:          keys,
		LogBackend:    backend,
	})
	require.NoError(err)
	return e, store, identities
}

func TestEncryptForEstablishesAllDevices(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	peer := newTestDeviceKeys(t)
	svc := &fakeKeyService{
		identityKey: peer.identityPub,
		bundles:     []wire.PreKeyBundle{peer.bundle(1, 1111), peer.bundle(2, 2222)},
	}
	e, store, _ := newTestEncryptor(t, svc)

	recipient, err := address.New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "")
	require.NoError(err)

	msg, err := e.EncryptFor(context.Background(), recipient, 1, []byte("hello"), nil)
	require.NoError(err)
	require.Equal(wire.TypePreKeyBundle, msg.Type)
	require.Equal(uint32(1), msg.DestinationDeviceID)
	require.Equal(uint32(1111), msg.DestinationRegistrationID)
	require.Equal([]byte("hello"), peer.open(t, msg.Content))

	// One fetch established sessions for every device in one pass.
	require.Equal(1, svc.fetches)
	ok, err := store.ContainsSession(address.Device{Identifier: recipient.Identifier(), DeviceID: 2})
	require.NoError(err)
	require.True(ok)

	// The second encrypt must not refetch.
	_, err = e.EncryptFor(context.Background(), recipient, 2, []byte("again"), nil)
	require.NoError(err)
	require.Equal(1, svc.fetches)
}

func TestEncryptForUntrustedIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	peer := newTestDeviceKeys(t)
	svc := &fakeKeyService{
		identityKey: peer.identityPub,
		bundles:     []wire.PreKeyBundle{peer.bundle(1, 1111)},
	}
	e, _, identities := newTestEncryptor(t, svc)

	recipient, err := address.New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "")
	require.NoError(err)

	// A different key is already trusted for the recipient.
	other := newTestDeviceKeys(t)
	require.NoError(identities.Save(recipient.Identifier(), other.identityPub))

	_, err = e.EncryptFor(context.Background(), recipient, 1, []byte("hello"), nil)
	var untrusted *UntrustedIdentityError
	require.ErrorAs(err, &untrusted)
	require.Equal(recipient.Identifier(), untrusted.Identifier)
}

func TestEstablishSessionsPartialFailure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	peer := newTestDeviceKeys(t)
	bad := peer.bundle(2, 2222)
	bad.SignedPreKey = []byte("short")
	svc := &fakeKeyService{
		identityKey: peer.identityPub,
		bundles:     []wire.PreKeyBundle{peer.bundle(1, 1111), bad},
	}
	e, store, _ := newTestEncryptor(t, svc)

	recipient, err := address.New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "")
	require.NoError(err)

	// Device 2's malformed bundle must not prevent device 1's session.
	require.NoError(e.EstablishSessions(context.Background(), recipient, nil, AllDevices))
	ok, err := store.ContainsSession(address.Device{Identifier: recipient.Identifier(), DeviceID: 1})
	require.NoError(err)
	require.True(ok)

	// Targeting the failed device surfaces an InvalidKeyError.
	_, err = e.EncryptFor(context.Background(), recipient, 2, []byte("hello"), nil)
	var invalid *InvalidKeyError
	require.ErrorAs(err, &invalid)
}
