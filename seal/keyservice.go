// keyservice.go - Prekey distribution interface.
// SPDX-License-Identifier: AGPL-3.0-only

package seal

import (
	"context"

	"github.com/courierkit/courierkit/address"
	"github.com/courierkit/courierkit/wire"
)

// AllDevices requests prekey bundles for every device of an account in a
// single round trip.
const AllDevices uint32 = 0

// KeyService fetches prekey bundles from the server.  accessToken, when
// non-nil, is the recipient's unidentified access credential.
type KeyService interface {
	// PreKeyBundles returns bundles for the requested device of recipient,
	// or for all of its devices when deviceID is AllDevices.
	PreKeyBundles(ctx context.Context, recipient address.Address, accessToken []byte, deviceID uint32) (*wire.PreKeyResponse, error)
}

// IdentityStore records the identity key trusted for each account.
type IdentityStore interface {
	// IsTrusted reports whether key may be used for identifier.  Unknown
	// identities are trusted on first use.
	IsTrusted(identifier string, key []byte) (bool, error)

	// Save records key as the trusted identity for identifier.
	Save(identifier string, key []byte) error
}
