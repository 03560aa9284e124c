// encryptor.go - Per-device encryption.
// SPDX-License-Identifier: AGPL-3.0-only

// Package seal produces per-device ciphertext wire messages, establishing
// protocol sessions on demand from server-fetched prekey bundles.
package seal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"gopkg.in/op/go-logging.v1"

	"github.com/courierkit/courierkit/address"
	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/session"
	"github.com/courierkit/courierkit/wire"
)

// Config configures an Encryptor.
type Config struct {
	// LocalAddress is the sender's own account address.
	LocalAddress address.Address

	// LocalDeviceID is the sender's own device id.
	LocalDeviceID uint32

	// LocalIdentity is the sender's long-term key pair.
	LocalIdentity *IdentityKeyPair

	// Store owns session records.
	Store session.Store

	// Identities records trusted identity keys per account.
	Identities IdentityStore

	// Keys fetches prekey bundles.
	Keys KeyService

	// LogBackend supplies the logger.
	LogBackend *log.Backend

	// Rand is the entropy source, defaulting to crypto/rand.
	Rand io.Reader
}

func (cfg *Config) validate() error {
	if cfg.LocalIdentity == nil {
		return errors.New("seal: no local identity provided")
	}
	if cfg.Store == nil || cfg.Identities == nil || cfg.Keys == nil {
		return errors.New("seal: missing store, identity store, or key service")
	}
	if cfg.LogBackend == nil {
		return errors.New("seal: no log backend provided")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return nil
}

// Encryptor turns a plaintext content blob into ciphertext wire messages,
// one per recipient device.
type Encryptor struct {
	cfg *Config
	log *logging.Logger
}

// New constructs an Encryptor.
func New(cfg *Config) (*Encryptor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Encryptor{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("seal"),
	}, nil
}

// EncryptFor produces the ciphertext wire message for one device of
// recipient.  If no session exists for the device, prekey bundles are
// fetched for every device of the recipient and sessions established for
// all of them in one pass before encrypting.
func (e *Encryptor) EncryptFor(ctx context.Context, recipient address.Address, deviceID uint32, plaintext, accessToken []byte) (*wire.OutgoingMessage, error) {
	dev := address.Device{Identifier: recipient.Identifier(), DeviceID: deviceID}

	exists, err := e.cfg.Store.ContainsSession(dev)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := e.EstablishSessions(ctx, recipient, accessToken, AllDevices); err != nil {
			return nil, err
		}
	}

	raw, err := e.cfg.Store.LoadSession(dev)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			// The fetch pass did not yield a usable bundle for this device.
			return nil, &InvalidKeyError{Err: fmt.Errorf("no session established for %s", dev)}
		}
		return nil, err
	}

	rec := new(record)
	if err = wire.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("seal: corrupt session record for %s: %v", dev, err)
	}

	content, err := rec.encrypt(e.cfg.LocalIdentity, plaintext, e.cfg.Rand)
	if err != nil {
		return nil, err
	}

	// Persist the advanced send counter before the ciphertext leaves.
	updated, err := wire.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err = e.cfg.Store.StoreSession(dev, updated); err != nil {
		return nil, err
	}

	return &wire.OutgoingMessage{
		Type:                      rec.messageType(),
		DestinationDeviceID:       deviceID,
		DestinationRegistrationID: rec.RegistrationID,
		Content:                   content,
	}, nil
}

// EstablishSessions fetches prekey bundles for recipient and installs a
// session per returned device.  deviceID selects one device or AllDevices.
// A single device's malformed bundle does not abort establishment for the
// remaining devices; an untrusted identity key aborts the whole pass.
func (e *Encryptor) EstablishSessions(ctx context.Context, recipient address.Address, accessToken []byte, deviceID uint32) error {
	resp, err := e.cfg.Keys.PreKeyBundles(ctx, recipient, accessToken, deviceID)
	if err != nil {
		return err
	}

	identifier := recipient.Identifier()
	trusted, err := e.cfg.Identities.IsTrusted(identifier, resp.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return &UntrustedIdentityError{Identifier: identifier, IdentityKey: resp.IdentityKey}
	}

	var firstErr error
	installed := 0
	for i := range resp.Bundles {
		bundle := &resp.Bundles[i]
		rec, err := establishSession(e.cfg.LocalIdentity, resp.IdentityKey, bundle, e.cfg.Rand)
		if err != nil {
			e.log.Warningf("Failed to establish session for %s:%d: %v", identifier, bundle.DeviceID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		raw, err := wire.Marshal(rec)
		if err != nil {
			return err
		}
		dev := address.Device{Identifier: identifier, DeviceID: bundle.DeviceID}
		if err = e.cfg.Store.StoreSession(dev, raw); err != nil {
			return err
		}
		installed++
		e.log.Debugf("Established session for %s", dev)
	}

	if installed == 0 {
		if firstErr != nil {
			return firstErr
		}
		return &InvalidKeyError{Err: ErrNoBundle}
	}

	return e.cfg.Identities.Save(identifier, resp.IdentityKey)
}
