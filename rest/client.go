// client.go - Synchronous HTTP delivery service client.
// SPDX-License-Identifier: AGPL-3.0-only

// Package rest is the synchronous HTTP path to the delivery service: the
// fallback for message submission when the duplex sockets are down, plus
// the request/response resources (prekey distribution, attachment upload)
// that have no duplex equivalent.
package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/courierkit/courierkit/address"
	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/seal"
	"github.com/courierkit/courierkit/wire"
)

const contentType = "application/cbor"

// DefaultTimeout bounds a single HTTP exchange when the caller supplies no
// http.Client of its own.
const DefaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the delivery service origin, without a trailing slash.
	BaseURL string

	// Username and Password form the identified credential.
	Username string
	Password string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// LogBackend supplies the logger.
	LogBackend *log.Backend
}

func (cfg *Config) validate() error {
	if cfg.BaseURL == "" {
		return errors.New("rest: no base URL provided")
	}
	if cfg.LogBackend == nil {
		return errors.New("rest: no log backend provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return nil
}

// Client issues synchronous requests against the delivery service.
type Client struct {
	cfg *Config
	log *logging.Logger
}

// NewClient constructs a Client.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("rest"),
	}, nil
}

// Request mirrors the duplex pair's routing semantics over HTTP.  When
// accessToken is present the request goes out anonymously with the access
// header attached; a 401 causes exactly one authenticated resend.
func (c *Client) Request(ctx context.Context, req *wire.Request, accessToken []byte) (*wire.Response, error) {
	if accessToken == nil {
		return c.do(ctx, req, nil)
	}
	resp, err := c.do(ctx, req, accessToken)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		c.log.Debugf("Anonymous request rejected, resending authenticated.")
		return c.do(ctx, req, nil)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req *wire.Request, accessToken []byte) (*wire.Response, error) {
	var body io.Reader
	if len(req.Body) != 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Verb, c.cfg.BaseURL+req.Path, body)
	if err != nil {
		return nil, err
	}
	if len(req.Body) != 0 {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for _, h := range req.Headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if accessToken != nil {
		httpReq.Header.Set(wire.UnidentifiedAccessHeader, base64.StdEncoding.EncodeToString(accessToken))
	} else if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	httpResp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, wire.MaxFrameSize))
	if err != nil {
		return nil, err
	}
	return &wire.Response{
		Status:  uint32(httpResp.StatusCode),
		Message: http.StatusText(httpResp.StatusCode),
		Body:    respBody,
	}, nil
}

// PreKeyBundles fetches prekey bundles for one device of recipient, or for
// every device when deviceID is zero.  It satisfies the key service seam
// of the per-device encryptor.
func (c *Client) PreKeyBundles(ctx context.Context, recipient address.Address, accessToken []byte, deviceID uint32) (*wire.PreKeyResponse, error) {
	device := "*"
	if deviceID != 0 {
		device = fmt.Sprintf("%d", deviceID)
	}
	req := &wire.Request{
		Verb: http.MethodGet,
		Path: fmt.Sprintf("%s/%s/%s", wire.KeysPath, recipient.Identifier(), device),
	}
	resp, err := c.Request(ctx, req, accessToken)
	if err != nil {
		return nil, err
	}
	if err = MapStatus(recipient.Identifier(), resp); err != nil {
		return nil, err
	}
	keys := new(wire.PreKeyResponse)
	if err = wire.Unmarshal(resp.Body, keys); err != nil {
		return nil, fmt.Errorf("rest: undecodable prekey response: %v", err)
	}
	return keys, nil
}

// Devices queries the local account's registered devices.  Callers use
// the result to maintain the orchestrator's multi-device flag.
func (c *Client) Devices(ctx context.Context) (*wire.DeviceList, error) {
	req := &wire.Request{Verb: http.MethodGet, Path: wire.DevicesPath}
	resp, err := c.Request(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if err = MapStatus("", resp); err != nil {
		return nil, err
	}
	devices := new(wire.DeviceList)
	if err = wire.Unmarshal(resp.Body, devices); err != nil {
		return nil, fmt.Errorf("rest: undecodable device list: %v", err)
	}
	return devices, nil
}

var _ seal.KeyService = (*Client)(nil)
