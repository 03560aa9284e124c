// errors.go - Delivery service error taxonomy.
// SPDX-License-Identifier: AGPL-3.0-only

package rest

import (
	"fmt"
	"net/http"

	"github.com/courierkit/courierkit/wire"
)

// AuthorizationFailedError is the delivery service rejecting the caller's
// credential, identified or anonymous.
type AuthorizationFailedError struct {
	Status uint32
}

func (e *AuthorizationFailedError) Error() string {
	return fmt.Sprintf("rest: authorization failed (status %d)", e.Status)
}

// UnregisteredUserError indicates the destination account does not exist
// on the delivery service.
type UnregisteredUserError struct {
	Identifier string
}

func (e *UnregisteredUserError) Error() string {
	return fmt.Sprintf("rest: unregistered destination %s", e.Identifier)
}

// MismatchedDevicesError reports a submission whose device list disagrees
// with the destination's registered devices.
type MismatchedDevicesError struct {
	MissingDevices []uint32
	ExtraDevices   []uint32
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("rest: mismatched devices (missing %v, extra %v)", e.MissingDevices, e.ExtraDevices)
}

// StaleDevicesError reports devices whose sessions the service considers
// out of date.
type StaleDevicesError struct {
	StaleDevices []uint32
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("rest: stale devices %v", e.StaleDevices)
}

// RateLimitError is a throttling response.
type RateLimitError struct {
	Status uint32
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rest: rate limited (status %d)", e.Status)
}

// ServerRejectedError is the service refusing the submission outright; it
// is not recoverable by retrying.
type ServerRejectedError struct{}

func (e *ServerRejectedError) Error() string {
	return "rest: server rejected the submission"
}

// UnexpectedStatusError covers every status with no dedicated mapping.
type UnexpectedStatusError struct {
	Status  uint32
	Message string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("rest: unexpected status %d (%s)", e.Status, e.Message)
}

// StatusServerRejected is the nonstandard status the delivery service uses
// for submissions it refuses to ever accept.
const StatusServerRejected = 508

// MapStatus translates a response into the typed error taxonomy.  A nil
// return means the response is a success and its body may be consumed.
func MapStatus(identifier string, resp *wire.Response) error {
	if resp.Status >= 200 && resp.Status < 300 {
		return nil
	}
	switch resp.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthorizationFailedError{Status: resp.Status}
	case http.StatusNotFound:
		return &UnregisteredUserError{Identifier: identifier}
	case http.StatusConflict:
		mismatched := new(wire.MismatchedDevices)
		if err := wire.Unmarshal(resp.Body, mismatched); err != nil {
			return &UnexpectedStatusError{Status: resp.Status, Message: "undecodable mismatched devices body"}
		}
		return &MismatchedDevicesError{
			MissingDevices: mismatched.MissingDevices,
			ExtraDevices:   mismatched.ExtraDevices,
		}
	case http.StatusGone:
		stale := new(wire.StaleDevices)
		if err := wire.Unmarshal(resp.Body, stale); err != nil {
			return &UnexpectedStatusError{Status: resp.Status, Message: "undecodable stale devices body"}
		}
		return &StaleDevicesError{StaleDevices: stale.StaleDevices}
	case http.StatusRequestEntityTooLarge, http.StatusTooManyRequests:
		return &RateLimitError{Status: resp.Status}
	case StatusServerRejected:
		return &ServerRejectedError{}
	default:
		return &UnexpectedStatusError{Status: resp.Status, Message: resp.Message}
	}
}
