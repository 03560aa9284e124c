// courier.go - Delivery orchestrator.
// SPDX-License-Identifier: AGPL-3.0-only

// Package courier orchestrates message delivery: content is built once,
// encrypted per recipient device, submitted over the duplex pipe with an
// HTTP fallback, reconciled against the server's device state, and fanned
// out across recipients under a bounded worker pool.
package courier

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/courierkit/courierkit/address"
	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/envelope"
	"github.com/courierkit/courierkit/session"
	"github.com/courierkit/courierkit/wire"
)

// RetryCount bounds the per-recipient delivery attempts.  Each device
// state reconciliation consumes one attempt; the pipe to HTTP fallback
// does not.
const RetryCount = 4

// DefaultMaxConcurrency bounds the fan-out worker pool when the config
// does not.
const DefaultMaxConcurrency = 10

// Requester is a submission path to the delivery service.  Both the
// duplex socket pair and the HTTP client satisfy it.
type Requester interface {
	Request(ctx context.Context, req *wire.Request, accessToken []byte) (*wire.Response, error)
}

// Sealer produces per-device ciphertext and establishes sessions.  The
// seal package provides the default implementation.
type Sealer interface {
	EncryptFor(ctx context.Context, recipient address.Address, deviceID uint32, plaintext, accessToken []byte) (*wire.OutgoingMessage, error)
	EstablishSessions(ctx context.Context, recipient address.Address, accessToken []byte, deviceID uint32) error
}

// Config configures a Courier.
type Config struct {
	// LocalAddress is the sender's own account.
	LocalAddress address.Address

	// LocalDeviceID is the sender's own device id, excluded when the
	// destination is the local account.
	LocalDeviceID uint32

	// Store owns session records, used to enumerate sub-devices and to
	// apply reconciliation deletions.
	Store session.Store

	// Sealer produces per-device ciphertext.
	Sealer Sealer

	// Codec builds content blobs and sync transcripts.
	Codec *envelope.Codec

	// Fallback is the synchronous HTTP submission path.
	Fallback Requester

	// LogBackend supplies the loggers.
	LogBackend *log.Backend

	// MaxConcurrency bounds the fan-out worker pool, defaulting to
	// DefaultMaxConcurrency.
	MaxConcurrency int

	// Rand is the entropy source for padding messages, defaulting to
	// crypto/rand.
	Rand io.Reader

	// Clock overrides the time source for tests.
	Clock func() time.Time
}

func (cfg *Config) validate() error {
	if cfg.Store == nil || cfg.Sealer == nil || cfg.Codec == nil {
		return errors.New("courier: missing store, sealer, or codec")
	}
	if cfg.Fallback == nil {
		return errors.New("courier: no fallback submission path provided")
	}
	if cfg.LogBackend == nil {
		return errors.New("courier: no log backend provided")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return nil
}

// pipeBox wraps the pipe so a nil pipe and an unset pipe are both
// representable behind one atomic pointer.
type pipeBox struct {
	pipe Requester
}

// Courier is the delivery orchestrator.
type Courier struct {
	cfg *Config
	log *logging.Logger

	pipe        atomic.Pointer[pipeBox]
	multiDevice atomic.Bool
}

// New constructs a Courier.
func New(cfg *Config) (*Courier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Courier{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("courier"),
	}, nil
}

// SetPipe swaps the duplex submission pipe.  A nil pipe routes every
// submission straight to the HTTP fallback.  Deliveries already in flight
// keep the snapshot they took at attempt start.
func (c *Courier) SetPipe(pipe Requester) {
	if pipe == nil {
		c.pipe.Store(nil)
		return
	}
	c.pipe.Store(&pipeBox{pipe: pipe})
}

func (c *Courier) pipeSnapshot() Requester {
	box := c.pipe.Load()
	if box == nil {
		return nil
	}
	return box.pipe
}

// SetMultiDevice records whether the local account has linked devices.
// When set, every successful send is followed by a sync transcript even if
// the server did not ask for one.
func (c *Courier) SetMultiDevice(v bool) {
	c.multiDevice.Store(v)
}

// IsMultiDevice reports the linked device flag.
func (c *Courier) IsMultiDevice() bool {
	return c.multiDevice.Load()
}

// Options tune a delivery.
type Options struct {
	// Online marks the submission as deliverable only to currently
	// connected devices.
	Online bool

	// Urgent requests immediate push delivery.
	Urgent bool
}

// SendDataMessage delivers a data message to one recipient and, when the
// account is multi-device or the server asks for it, relays a sync
// transcript to the sender's own linked devices.  A transcript failure is
// logged but does not override a successful delivery.
func (c *Courier) SendDataMessage(ctx context.Context, recipient address.Address, accessToken []byte, dm *envelope.DataMessage, opts *Options) (*Result, error) {
	content := &envelope.Content{DataMessage: dm}
	blob, err := c.cfg.Codec.BuildContent(content)
	if err != nil {
		return nil, err
	}

	res, err := c.sendBlob(ctx, recipient, accessToken, blob, dm.Timestamp, opts)
	sendsTotal.WithLabelValues(res.Kind.String()).Inc()
	if err != nil {
		return nil, err
	}

	if res.Success() && (res.NeedsSync || c.multiDevice.Load()) {
		statuses := []envelope.DeliveryStatus{{
			Destination:  recipient.Identifier(),
			Unidentified: res.Unidentified,
		}}
		if err := c.sendSyncTranscript(ctx, content, &recipient, dm.Timestamp, statuses, false); err != nil {
			c.log.Warningf("Failed to deliver sync transcript: %v", err)
		}
	}
	return &res, nil
}

// SendDataMessageToMany fans a data message out to multiple recipients.
// accessTokens is either empty or parallel to recipients.  Exactly one
// Result is produced per recipient unless the server rejects the
// submission outright, which aborts the whole batch.
func (c *Courier) SendDataMessageToMany(ctx context.Context, recipients []address.Address, accessTokens [][]byte, dm *envelope.DataMessage, isRecipientUpdate bool, opts *Options) ([]Result, error) {
	content := &envelope.Content{DataMessage: dm}
	blob, err := c.cfg.Codec.BuildContent(content)
	if err != nil {
		return nil, err
	}

	results, err := c.fanOut(ctx, recipients, accessTokens, blob, dm.Timestamp, opts)
	if err != nil {
		return nil, err
	}

	needsSync := false
	statuses := make([]envelope.DeliveryStatus, 0, len(results))
	for i := range results {
		r := &results[i]
		sendsTotal.WithLabelValues(r.Kind.String()).Inc()
		if !r.Success() {
			continue
		}
		needsSync = needsSync || r.NeedsSync
		statuses = append(statuses, envelope.DeliveryStatus{
			Destination:  r.Recipient.Identifier(),
			Unidentified: r.Unidentified,
		})
	}

	if len(statuses) > 0 && (needsSync || c.multiDevice.Load()) {
		if err := c.sendSyncTranscript(ctx, content, nil, dm.Timestamp, statuses, isRecipientUpdate); err != nil {
			c.log.Warningf("Failed to deliver sync transcript: %v", err)
		}
	}
	return results, nil
}

// SendContent delivers an arbitrary pre-assembled content payload to one
// recipient.  No sync transcript is produced; callers that need one use
// SendDataMessage.
func (c *Courier) SendContent(ctx context.Context, recipient address.Address, accessToken []byte, content *envelope.Content, timestamp int64, opts *Options) (*Result, error) {
	blob, err := c.cfg.Codec.BuildContent(content)
	if err != nil {
		return nil, err
	}
	res, err := c.sendBlob(ctx, recipient, accessToken, blob, timestamp, opts)
	sendsTotal.WithLabelValues(res.Kind.String()).Inc()
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SendNullMessage delivers a padding message to one recipient.
func (c *Courier) SendNullMessage(ctx context.Context, recipient address.Address, accessToken []byte) (*Result, error) {
	content, err := envelope.NewNullMessage(c.cfg.Rand)
	if err != nil {
		return nil, err
	}
	return c.SendContent(ctx, recipient, accessToken, content, c.cfg.Clock().UnixMilli(), nil)
}

// SendReceipt delivers a receipt message to one recipient.
func (c *Courier) SendReceipt(ctx context.Context, recipient address.Address, accessToken []byte, receipt *envelope.ReceiptMessage) (*Result, error) {
	content := &envelope.Content{ReceiptMessage: receipt}
	return c.SendContent(ctx, recipient, accessToken, content, c.cfg.Clock().UnixMilli(), nil)
}

// sendSyncTranscript wraps content in a sent transcript and delivers it to
// the local account's other devices over the identified path.
func (c *Courier) sendSyncTranscript(ctx context.Context, original *envelope.Content, recipient *address.Address, timestamp int64, statuses []envelope.DeliveryStatus, isRecipientUpdate bool) error {
	devices, err := c.targetDevices(c.cfg.LocalAddress)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		c.log.Debugf("No linked devices to sync to, skipping transcript.")
		return nil
	}

	transcript, err := c.cfg.Codec.BuildSentTranscript(original, recipient, timestamp, statuses, isRecipientUpdate, c.cfg.Clock().UnixMilli())
	if err != nil {
		return err
	}
	blob, err := c.cfg.Codec.BuildContent(transcript)
	if err != nil {
		return err
	}
	res, err := c.sendBlob(ctx, c.cfg.LocalAddress, nil, blob, timestamp, &Options{})
	if err != nil {
		return err
	}
	if !res.Success() {
		return res.Err
	}
	syncTranscripts.Inc()
	return nil
}
