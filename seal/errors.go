// errors.go - Encryptor error taxonomy.
// SPDX-License-Identifier: AGPL-3.0-only

package seal

import (
	"errors"
	"fmt"
)

// UntrustedIdentityError indicates the recipient's identity key differs
// from the one previously trusted.  It is never retried automatically;
// the caller must surface it for manual resolution.
type UntrustedIdentityError struct {
	Identifier  string
	IdentityKey []byte
}

// Error implements the error interface.
func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("seal: untrusted identity key for %s", e.Identifier)
}

// InvalidKeyError indicates malformed remote key material.  The delivery
// pipeline reacts by dropping the unidentified access credential and
// retrying, not by deleting sessions.
type InvalidKeyError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("seal: invalid key material: %v", e.Err)
}

// Unwrap supports errors.Is/As chains.
func (e *InvalidKeyError) Unwrap() error {
	return e.Err
}

// ErrNoBundle is returned when the key service has no prekey bundle for a
// requested device.
var ErrNoBundle = errors.New("seal: no prekey bundle for device")
