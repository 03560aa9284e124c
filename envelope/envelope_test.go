// envelope_test.go - Envelope codec tests.
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/courierkit/courierkit/address"
)

func testContent(body string) *Content {
	return &Content{
		DataMessage: &DataMessage{
			Body:      body,
			Timestamp: 1723480000000,
		},
	}
}

func TestBuildContentDeterministic(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewCodec(0)
	first, err := c.BuildContent(testContent("hello"))
	require.NoError(err)
	second, err := c.BuildContent(testContent("hello"))
	require.NoError(err)
	require.Equal(first, second)

	parsed, err := c.ParseContent(first)
	require.NoError(err)
	require.Equal("hello", parsed.DataMessage.Body)
}

func TestBuildContentSizeLimit(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewCodec(16)
	_, err := c.BuildContent(testContent("this body does not fit in sixteen bytes"))
	var tooLarge *ContentTooLargeError
	require.ErrorAs(err, &tooLarge)
	require.Greater(tooLarge.Size, 16)

	// A zero limit disables the check entirely.
	unlimited := NewCodec(0)
	_, err = unlimited.BuildContent(testContent("this body does not fit in sixteen bytes"))
	require.NoError(err)
}

func TestSentTranscriptViewOnce(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := NewCodec(0)
	original := &Content{
		DataMessage: &DataMessage{
			Body:      "view once",
			Timestamp: 1723480000000,
			ViewOnce:  true,
			Attachments: []AttachmentPointer{
				{CDNKey: "abc", Key: []byte{1}, Digest: []byte{2}, Size: 3},
			},
		},
	}

	dest, err := address.New("9d1b0d22-a86f-4745-a34a-01c5f3b6dc4e", "")
	require.NoError(err)

	statuses := []DeliveryStatus{{Destination: dest.Identifier(), Unidentified: true}}
	transcript, err := c.BuildSentTranscript(original, &dest, 1723480000000, statuses, false, 1723480001000)
	require.NoError(err)

	sent := transcript.SyncMessage.Sent
	require.NotNil(sent.Message)
	require.Empty(sent.Message.Attachments)
	require.Equal(statuses, sent.UnidentifiedStatus)

	// The original content must not have been mutated.
	require.Len(original.DataMessage.Attachments, 1)
}

func TestNullMessagePadding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	content, err := NewNullMessage(rand.Reader)
	require.NoError(err)
	require.NotEmpty(content.NullMessage.Padding)
	require.LessOrEqual(len(content.NullMessage.Padding), 512)
}
