// uploader_test.go - Attachment uploader tests.
// SPDX-License-Identifier: AGPL-3.0-only

package attach

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/rest"
	"github.com/courierkit/courierkit/wire"
)

// blobStore is a fake upload endpoint supporting both the one-shot and
// resumable paths.  dropAfter truncates the first resumable upload to
// simulate an interrupted transfer.
type blobStore struct {
	attrs     wire.UploadAttributes
	blob      []byte
	dropAfter int
	dropped   bool
}

func (s *blobStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == wire.AttachmentFormPath:
		body, _ := wire.Marshal(&s.attrs)
		w.Write(body)

	case strings.HasPrefix(r.URL.Path, "/blob"):
		cr := r.Header.Get("Content-Range")
		switch {
		case strings.HasPrefix(cr, "bytes */"):
			// Offset query.
			if len(s.blob) == 0 {
				w.WriteHeader(http.StatusPermanentRedirect)
				return
			}
			w.Header().Set("Range", "bytes=0-"+itoa(len(s.blob)-1))
			w.WriteHeader(http.StatusPermanentRedirect)

		default:
			body, _ := io.ReadAll(r.Body)
			if s.dropAfter > 0 && !s.dropped {
				s.dropped = true
				body = body[:s.dropAfter]
				s.blob = append(s.blob, body...)
				// The client sees a failure for the truncated attempt.
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			s.blob = append(s.blob, body...)
			w.WriteHeader(http.StatusOK)
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func newTestUploader(t *testing.T, store *blobStore, resumable bool) *Uploader {
	require := require.New(t)

	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)
	store.attrs = wire.UploadAttributes{
		ID:        42,
		Key:       "attachments/42",
		Location:  srv.URL + "/blob/42",
		Resumable: resumable,
	}

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	client, err := rest.NewClient(&rest.Config{BaseURL: srv.URL, LogBackend: backend})
	require.NoError(err)
	u, err := NewUploader(&Config{Client: client, LogBackend: backend})
	require.NoError(err)
	return u
}

func TestUploadOneShot(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	store := new(blobStore)
	u := newTestUploader(t, store, false)

	plaintext := make([]byte, 4096)
	_, err := io.ReadFull(rand.Reader, plaintext)
	require.NoError(err)

	pointer, err := u.Upload(context.Background(), &Attachment{
		Reader:      bytes.NewReader(plaintext),
		Size:        int64(len(plaintext)),
		ContentType: "image/jpeg",
		FileName:    "cat.jpg",
	})
	require.NoError(err)
	require.Equal("attachments/42", pointer.CDNKey)
	require.Equal(uint64(len(plaintext)), pointer.Size)
	require.Equal("image/jpeg", pointer.ContentType)

	// The stored blob is ciphertext, not the plaintext.
	require.NotContains(string(store.blob), string(plaintext[:64]))

	got, err := Open(pointer, store.blob)
	require.NoError(err)
	require.Equal(plaintext, got)
}

func TestUploadResumable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	store := &blobStore{dropAfter: 1000}
	u := newTestUploader(t, store, true)

	plaintext := make([]byte, 4096)
	_, err := io.ReadFull(rand.Reader, plaintext)
	require.NoError(err)

	a := &Attachment{Reader: bytes.NewReader(plaintext), Size: int64(len(plaintext))}
	_, err = u.Upload(context.Background(), a)
	require.Error(err)

	// The retry resumes from the stored prefix instead of starting over.
	a.Reader = bytes.NewReader(plaintext)
	pointer, err := u.Upload(context.Background(), a)
	require.NoError(err)

	got, err := Open(pointer, store.blob)
	require.NoError(err)
	require.Equal(plaintext, got)
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	store := new(blobStore)
	u := newTestUploader(t, store, false)

	_, err := u.Upload(context.Background(), &Attachment{
		Reader: bytes.NewReader(nil),
		Size:   MaxAttachmentSize + 1,
	})
	require.ErrorIs(err, errAttachmentTooLarge)
	require.Empty(store.blob)
}
