// store.go - Session store interface.
// SPDX-License-Identifier: AGPL-3.0-only

// Package session defines the protocol session store consumed by the
// delivery pipeline, along with bbolt backed and in-memory
// implementations.
package session

import (
	"errors"

	"github.com/courierkit/courierkit/address"
)

// ErrNoSession is returned when a session record does not exist for the
// requested device.
var ErrNoSession = errors.New("session: no session for device")

// Store owns session records keyed by (identifier, device id).  The
// pipeline queries existence, installs established sessions, and deletes
// records during reconciliation; implementations must serialize
// per-device reads and writes.
type Store interface {
	// ContainsSession returns true if a session record exists for dev.
	ContainsSession(dev address.Device) (bool, error)

	// GetSubDeviceSessions returns the non-primary device ids for which a
	// session record exists under identifier.
	GetSubDeviceSessions(identifier string) ([]uint32, error)

	// LoadSession returns the session record for dev, or ErrNoSession.
	LoadSession(dev address.Device) ([]byte, error)

	// StoreSession installs or replaces the session record for dev.
	StoreSession(dev address.Device, record []byte) error

	// DeleteSession removes the session record for dev, if present.
	DeleteSession(dev address.Device) error

	// DeleteAllSessions removes every session record under identifier.
	DeleteAllSessions(identifier string) error
}
