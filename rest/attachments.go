// attachments.go - Attachment upload HTTP operations.
// SPDX-License-Identifier: AGPL-3.0-only

package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/courierkit/courierkit/wire"
)

const blobContentType = "application/octet-stream"

// UploadAttributes fetches the attributes for one attachment upload.
func (c *Client) UploadAttributes(ctx context.Context) (*wire.UploadAttributes, error) {
	req := &wire.Request{Verb: http.MethodGet, Path: wire.AttachmentFormPath}
	resp, err := c.Request(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if err = MapStatus("", resp); err != nil {
		return nil, err
	}
	attrs := new(wire.UploadAttributes)
	if err = wire.Unmarshal(resp.Body, attrs); err != nil {
		return nil, fmt.Errorf("rest: undecodable upload attributes: %v", err)
	}
	return attrs, nil
}

// PutBlob uploads an entire blob in one shot to location.
func (c *Client) PutBlob(ctx context.Context, location string, body io.Reader, length int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, body)
	if err != nil {
		return err
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", blobContentType)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UnexpectedStatusError{Status: uint32(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// ResumeOffset queries how many bytes of a resumable upload the remote end
// already holds.
func (c *Client) ResumeOffset(ctx context.Context, location string, total int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Already complete.
		return total, nil
	case resp.StatusCode == http.StatusPermanentRedirect:
		return parseUploadedRange(resp.Header.Get("Range"))
	default:
		return 0, &UnexpectedStatusError{Status: uint32(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
}

// PutBlobRange uploads the remainder of a resumable blob starting at
// offset.  body must supply exactly total-offset bytes.
func (c *Client) PutBlobRange(ctx context.Context, location string, body io.Reader, offset, total int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, location, body)
	if err != nil {
		return err
	}
	req.ContentLength = total - offset
	req.Header.Set("Content-Type", blobContentType)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, total-1, total))

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UnexpectedStatusError{Status: uint32(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// parseUploadedRange extracts the next offset from a "bytes=0-N" Range
// header.  An absent header means nothing has been stored yet.
func parseUploadedRange(h string) (int64, error) {
	if h == "" {
		return 0, nil
	}
	_, spec, ok := strings.Cut(h, "=")
	if !ok {
		return 0, fmt.Errorf("rest: malformed range header %q", h)
	}
	_, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("rest: malformed range header %q", h)
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rest: malformed range header %q", h)
	}
	return n + 1, nil
}
