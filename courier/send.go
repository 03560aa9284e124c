// send.go - Per-recipient delivery state machine and fan-out.
// SPDX-License-Identifier: AGPL-3.0-only

package courier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/courierkit/courierkit/address"
	"github.com/courierkit/courierkit/rest"
	"github.com/courierkit/courierkit/seal"
	"github.com/courierkit/courierkit/transport"
	"github.com/courierkit/courierkit/wire"
)

// sendBlob delivers one pre-built content blob to one recipient, driving
// the retry state machine.  The returned error is non-nil only for
// outcomes that must abort an enclosing batch.
func (c *Courier) sendBlob(ctx context.Context, recipient address.Address, accessToken []byte, blob []byte, timestamp int64, opts *Options) (Result, error) {
	if opts == nil {
		opts = &Options{}
	}
	start := c.cfg.Clock()

	for attempt := 0; attempt < RetryCount; attempt++ {
		if attempt > 0 {
			sendRetries.Inc()
		}
		if err := ctx.Err(); err != nil {
			return Result{Recipient: recipient, Kind: ResultCanceled, Err: err}, nil
		}

		list, err := c.buildMessageList(ctx, recipient, accessToken, blob, timestamp, opts)
		if err != nil {
			res, retry, dropToken := c.classify(recipient, err, accessToken != nil)
			if !retry {
				return res, nil
			}
			if dropToken {
				accessToken = nil
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return Result{Recipient: recipient, Kind: ResultCanceled, Err: err}, nil
		}

		resp, err := c.submit(ctx, recipient, list, accessToken)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{Recipient: recipient, Kind: ResultCanceled, Err: err}, nil
			}
			return Result{Recipient: recipient, Kind: ResultNetworkFailure, Err: err}, nil
		}

		err = rest.MapStatus(recipient.Identifier(), resp)
		if err == nil {
			sendResp := new(wire.SendResponse)
			if len(resp.Body) != 0 {
				if uerr := wire.Unmarshal(resp.Body, sendResp); uerr != nil {
					c.log.Warningf("Discarding undecodable send response for %s: %v", recipient, uerr)
				}
			}
			return Result{
				Recipient:    recipient,
				Kind:         ResultSuccess,
				Unidentified: sendResp.SentUnidentified,
				NeedsSync:    sendResp.NeedsSync,
				Duration:     c.cfg.Clock().Sub(start),
			}, nil
		}

		var rejected *rest.ServerRejectedError
		if errors.As(err, &rejected) {
			return Result{Recipient: recipient, Kind: ResultNetworkFailure, Err: err}, err
		}

		var mismatched *rest.MismatchedDevicesError
		var stale *rest.StaleDevicesError
		switch {
		case errors.As(err, &mismatched):
			c.log.Debugf("Reconciling mismatched devices for %s: missing %v, extra %v",
				recipient, mismatched.MissingDevices, mismatched.ExtraDevices)
			if rerr := c.reconcileMismatch(ctx, recipient, accessToken, mismatched); rerr != nil {
				res, retry, dropToken := c.classify(recipient, rerr, accessToken != nil)
				if !retry {
					return res, nil
				}
				if dropToken {
					accessToken = nil
				}
			}
			continue

		case errors.As(err, &stale):
			c.log.Debugf("Archiving stale device sessions for %s: %v", recipient, stale.StaleDevices)
			if rerr := c.reconcileStale(recipient, stale); rerr != nil {
				return Result{Recipient: recipient, Kind: ResultNetworkFailure, Err: rerr}, nil
			}
			continue

		default:
			res, retry, dropToken := c.classify(recipient, err, accessToken != nil)
			if !retry {
				return res, nil
			}
			if dropToken {
				accessToken = nil
			}
			continue
		}
	}

	err := fmt.Errorf("courier: device state for %s still inconsistent after %d attempts", recipient, RetryCount)
	return Result{Recipient: recipient, Kind: ResultNetworkFailure, Err: err}, nil
}

// classify maps an error to either a terminal Result or a retry
// directive.  dropToken requests that the anonymous credential be
// discarded before the next attempt; anonymous selects the recoverable
// branch for authorization failures.
func (c *Courier) classify(recipient address.Address, err error, anonymous bool) (res Result, retry, dropToken bool) {
	var untrusted *seal.UntrustedIdentityError
	var invalid *seal.InvalidKeyError
	var unregistered *rest.UnregisteredUserError
	var auth *rest.AuthorizationFailedError

	switch {
	case errors.As(err, &untrusted):
		return Result{
			Recipient:   recipient,
			Kind:        ResultIdentityFailure,
			IdentityKey: untrusted.IdentityKey,
			Err:         err,
		}, false, false

	case errors.As(err, &invalid):
		// A broken bundle under anonymous access can succeed identified.
		c.log.Debugf("Invalid key for %s, dropping anonymous credential: %v", recipient, err)
		return Result{}, true, true

	case errors.As(err, &unregistered):
		return Result{Recipient: recipient, Kind: ResultUnregistered, Err: err}, false, false

	case errors.As(err, &auth):
		if anonymous {
			c.log.Debugf("Authorization failed anonymously for %s, dropping credential.", recipient)
			return Result{}, true, true
		}
		return Result{Recipient: recipient, Kind: ResultNetworkFailure, Err: err}, false, false

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Result{Recipient: recipient, Kind: ResultCanceled, Err: err}, false, false

	default:
		return Result{Recipient: recipient, Kind: ResultNetworkFailure, Err: err}, false, false
	}
}

// buildMessageList encrypts blob for every target device of recipient.
func (c *Courier) buildMessageList(ctx context.Context, recipient address.Address, accessToken, blob []byte, timestamp int64, opts *Options) (*wire.MessageList, error) {
	devices, err := c.targetDevices(recipient)
	if err != nil {
		return nil, err
	}

	messages := make([]wire.OutgoingMessage, 0, len(devices))
	for _, deviceID := range devices {
		msg, err := c.cfg.Sealer.EncryptFor(ctx, recipient, deviceID, blob, accessToken)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return &wire.MessageList{
		Destination: recipient.Identifier(),
		Timestamp:   timestamp,
		Messages:    messages,
		Online:      opts.Online,
		Urgent:      opts.Urgent,
	}, nil
}

// targetDevices enumerates the devices a submission must cover: the
// primary device plus every sub-device with a session, minus the local
// device when the destination is the local account.
func (c *Courier) targetDevices(recipient address.Address) ([]uint32, error) {
	toSelf := recipient.Matches(c.cfg.LocalAddress)

	ids := make([]uint32, 0, 4)
	if !(toSelf && c.cfg.LocalDeviceID == address.DefaultDeviceID) {
		ids = append(ids, address.DefaultDeviceID)
	}
	subs, err := c.cfg.Store.GetSubDeviceSessions(recipient.Identifier())
	if err != nil {
		return nil, err
	}
	for _, deviceID := range subs {
		if toSelf && deviceID == c.cfg.LocalDeviceID {
			continue
		}
		ids = append(ids, deviceID)
	}
	return ids, nil
}

// submit sends the message list over the pipe snapshot when one is
// present, falling back to HTTP within the same attempt on pipe failure.
func (c *Courier) submit(ctx context.Context, recipient address.Address, list *wire.MessageList, accessToken []byte) (*wire.Response, error) {
	body, err := wire.Marshal(list)
	if err != nil {
		return nil, err
	}
	req := &wire.Request{
		Verb: http.MethodPut,
		Path: fmt.Sprintf("%s/%s", wire.MessagePath, recipient.Identifier()),
		Body: body,
	}

	if pipe := c.pipeSnapshot(); pipe != nil {
		resp, err := pipe.Request(ctx, req, accessToken)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.log.Debugf("Pipe submission for %s failed, falling back to HTTP: %v", recipient, err)
		pipeFallbacks.Inc()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.cfg.Fallback.Request(ctx, req, accessToken)
}

// reconcileMismatch archives sessions for devices the server no longer
// knows and establishes sessions for the ones it reported missing.
// Deletions are applied under every identifier of the recipient so state
// keyed under a legacy number is not orphaned.
func (c *Courier) reconcileMismatch(ctx context.Context, recipient address.Address, accessToken []byte, mismatched *rest.MismatchedDevicesError) error {
	for _, extra := range mismatched.ExtraDevices {
		for _, identifier := range recipient.Identifiers() {
			if err := c.cfg.Store.DeleteSession(address.Device{Identifier: identifier, DeviceID: extra}); err != nil {
				return err
			}
		}
	}
	for _, missing := range mismatched.MissingDevices {
		if err := c.cfg.Sealer.EstablishSessions(ctx, recipient, accessToken, missing); err != nil {
			return err
		}
	}
	return nil
}

// reconcileStale archives the sessions the server reported stale so the
// next attempt re-establishes them.
func (c *Courier) reconcileStale(recipient address.Address, stale *rest.StaleDevicesError) error {
	for _, deviceID := range stale.StaleDevices {
		for _, identifier := range recipient.Identifiers() {
			if err := c.cfg.Store.DeleteSession(address.Device{Identifier: identifier, DeviceID: deviceID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// fanOut delivers blob to every recipient concurrently under the worker
// pool bound, producing one Result per recipient in input order.  A
// server-rejected outcome cancels the remaining deliveries and fails the
// whole batch.
func (c *Courier) fanOut(ctx context.Context, recipients []address.Address, accessTokens [][]byte, blob []byte, timestamp int64, opts *Options) ([]Result, error) {
	if len(accessTokens) != 0 && len(accessTokens) != len(recipients) {
		return nil, errors.New("courier: access token count does not match recipient count")
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(recipients))
	sem := make(chan struct{}, c.cfg.MaxConcurrency)

	var wg sync.WaitGroup
	var abortOnce sync.Once
	var abortErr error

	for i := range recipients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-fanCtx.Done():
				results[i] = Result{Recipient: recipients[i], Kind: ResultCanceled, Err: fanCtx.Err()}
				return
			}
			defer func() { <-sem }()

			var token []byte
			if len(accessTokens) != 0 {
				token = accessTokens[i]
			}
			res, err := c.sendBlob(fanCtx, recipients[i], token, blob, timestamp, opts)
			results[i] = res
			if err != nil {
				abortOnce.Do(func() {
					abortErr = err
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()

	if abortErr != nil {
		return nil, abortErr
	}

	var total time.Duration
	succeeded := 0
	for i := range results {
		if results[i].Success() {
			total += results[i].Duration
			succeeded++
		}
	}
	if succeeded > 0 {
		c.log.Debugf("Delivered to %d of %d recipients, average duration %v",
			succeeded, len(recipients), total/time.Duration(succeeded))
	}
	return results, nil
}

var _ Requester = (*rest.Client)(nil)
var _ Requester = (*transport.Pair)(nil)
var _ Sealer = (*seal.Encryptor)(nil)
