// address.go - Recipient addressing.
// SPDX-License-Identifier: AGPL-3.0-only

// Package address provides the stable recipient address type used to key
// sessions and route deliveries.
package address

import (
	"errors"
	"fmt"
)

// DefaultDeviceID is the device id of an account's primary device.  Every
// registered account has a primary device, so it is always a delivery
// target even before any session exists for it.
const DefaultDeviceID uint32 = 1

// ErrEmptyAddress is returned when an address is constructed with neither
// an account id nor a number.
var ErrEmptyAddress = errors.New("address: no identifier provided")

// Address identifies a recipient account.  At least one of AccountID or
// Number is populated.  AccountID is the stable service identifier, Number
// is the legacy routable number.
type Address struct {
	AccountID string
	Number    string
}

// New constructs an Address from an account id and/or a number.
func New(accountID, number string) (Address, error) {
	if accountID == "" && number == "" {
		return Address{}, ErrEmptyAddress
	}
	return Address{AccountID: accountID, Number: number}, nil
}

// Identifier returns the preferred stable identifier for session lookup,
// favoring the account id over the legacy number.
func (a Address) Identifier() string {
	if a.AccountID != "" {
		return a.AccountID
	}
	return a.Number
}

// Identifiers returns every populated identifier.  Session mutations are
// applied under all of them so that state keyed under a legacy number is
// not orphaned.
func (a Address) Identifiers() []string {
	ids := make([]string, 0, 2)
	if a.AccountID != "" {
		ids = append(ids, a.AccountID)
	}
	if a.Number != "" {
		ids = append(ids, a.Number)
	}
	return ids
}

// Matches returns true if the two addresses refer to the same account,
// regardless of which identifiers are populated on either side.
func (a Address) Matches(b Address) bool {
	if a.AccountID != "" && b.AccountID != "" {
		return a.AccountID == b.AccountID
	}
	if a.Number != "" && b.Number != "" {
		return a.Number == b.Number
	}
	return false
}

// String implements fmt.Stringer.
func (a Address) String() string {
	if a.AccountID != "" && a.Number != "" {
		return fmt.Sprintf("%s(%s)", a.AccountID, a.Number)
	}
	return a.Identifier()
}

// Device identifies a single device of an account, the unit that sessions
// and wire messages are keyed by.
type Device struct {
	Identifier string
	DeviceID   uint32
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Identifier, d.DeviceID)
}
