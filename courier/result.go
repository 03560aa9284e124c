// result.go - Per-recipient delivery outcomes.
// SPDX-License-Identifier: AGPL-3.0-only

package courier

import (
	"time"

	"github.com/courierkit/courierkit/address"
)

// ResultKind classifies a delivery outcome.
type ResultKind uint8

const (
	// ResultSuccess means the submission was accepted for every device.
	ResultSuccess ResultKind = iota

	// ResultIdentityFailure means the recipient's identity key is not the
	// trusted one.  Terminal until the caller re-verifies the identity.
	ResultIdentityFailure

	// ResultUnregistered means the destination account does not exist.
	ResultUnregistered

	// ResultNetworkFailure covers transport errors and exhausted retries.
	ResultNetworkFailure

	// ResultCanceled means the caller's context was canceled before the
	// delivery completed.
	ResultCanceled
)

// String implements fmt.Stringer.
func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultIdentityFailure:
		return "identity_failure"
	case ResultUnregistered:
		return "unregistered"
	case ResultNetworkFailure:
		return "network_failure"
	case ResultCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the outcome of delivering one content blob to one recipient.
// Exactly one Result is produced per (content, recipient) pair.
type Result struct {
	// Recipient is the destination the result applies to.
	Recipient address.Address

	// Kind classifies the outcome.
	Kind ResultKind

	// Unidentified is set on success when the server accepted the
	// submission anonymously.
	Unidentified bool

	// NeedsSync is set on success when the server asks for a sync
	// transcript to the sender's other devices.
	NeedsSync bool

	// Duration is the wall time the delivery took, success only.
	Duration time.Duration

	// IdentityKey is the untrusted key, identity failures only.
	IdentityKey []byte

	// Err carries the underlying error for failures.
	Err error
}

// Success returns true for a successful delivery.
func (r *Result) Success() bool {
	return r.Kind == ResultSuccess
}
