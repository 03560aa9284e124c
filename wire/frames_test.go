// frames_test.go - Wire frame tests.
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	f := &Frame{
		Type: FrameRequest,
		ID:   42,
		Request: &Request{
			Verb:    "PUT",
			Path:    MessagePath,
			Headers: []string{"Unidentified-Access-Key: c2VjcmV0"},
			Body:    []byte("payload"),
		},
	}

	var buf bytes.Buffer
	require.NoError(WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(err)
	require.Equal(f, got)

	v, ok := got.Request.Header(UnidentifiedAccessHeader)
	require.True(ok)
	require.Equal("c2VjcmV0", v)

	_, ok = got.Request.Header("Authorization")
	require.False(ok)
}

func TestFrameValidation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A request frame without a request payload is malformed.
	var buf bytes.Buffer
	blob, err := Marshal(&Frame{Type: FrameRequest, ID: 1})
	require.NoError(err)
	buf.Write([]byte{0, 0, 0, byte(len(blob))})
	buf.Write(blob)
	_, err = ReadFrame(&buf)
	require.Error(err)

	// Oversized length prefixes are rejected before allocation.
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err = ReadFrame(&buf)
	require.ErrorIs(err, errFrameTooLarge)
}
