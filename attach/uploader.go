// uploader.go - Attachment encryption and upload.
// SPDX-License-Identifier: AGPL-3.0-only

// Package attach encrypts attachment blobs and uploads them to the
// delivery service's blob store, producing the remote pointers embedded
// in message content.
package attach

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/op/go-logging.v1"

	"github.com/courierkit/courierkit/core/log"
	"github.com/courierkit/courierkit/envelope"
	"github.com/courierkit/courierkit/rest"
)

// MaxAttachmentSize bounds the plaintext size of a single attachment.
const MaxAttachmentSize = 100 * 1024 * 1024

var errAttachmentTooLarge = errors.New("attach: attachment exceeds maximum size")

// Attachment is a local blob queued for upload.
type Attachment struct {
	// Reader supplies the plaintext.
	Reader io.Reader

	// Size is the plaintext length in bytes.
	Size int64

	// ContentType is the MIME type carried on the pointer.
	ContentType string

	// FileName is the optional original file name.
	FileName string

	// Key is the encryption key.  Leave nil; Upload populates it on first
	// use so a retried upload produces byte-identical ciphertext and can
	// resume a partial transfer.  Never reuse a key across attachments.
	Key []byte
}

// Config configures an Uploader.
type Config struct {
	// Client performs the HTTP operations.
	Client *rest.Client

	// LogBackend supplies the logger.
	LogBackend *log.Backend

	// Rand is the entropy source, defaulting to crypto/rand.
	Rand io.Reader
}

func (cfg *Config) validate() error {
	if cfg.Client == nil {
		return errors.New("attach: no client provided")
	}
	if cfg.LogBackend == nil {
		return errors.New("attach: no log backend provided")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return nil
}

// Uploader encrypts and uploads attachments.
type Uploader struct {
	cfg *Config
	log *logging.Logger
}

// NewUploader constructs an Uploader.
func NewUploader(cfg *Config) (*Uploader, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Uploader{
		cfg: cfg,
		log: cfg.LogBackend.GetLogger("attach"),
	}, nil
}

// Upload encrypts a and uploads the ciphertext, using the resumable path
// when the service offers one.  The returned pointer carries everything a
// recipient needs to fetch and decrypt the blob.
func (u *Uploader) Upload(ctx context.Context, a *Attachment) (*envelope.AttachmentPointer, error) {
	if a.Size > MaxAttachmentSize {
		return nil, errAttachmentTooLarge
	}

	plaintext, err := io.ReadAll(io.LimitReader(a.Reader, MaxAttachmentSize+1))
	if err != nil {
		return nil, err
	}
	if len(plaintext) > MaxAttachmentSize {
		return nil, errAttachmentTooLarge
	}

	if a.Key == nil {
		a.Key = make([]byte, chacha20poly1305.KeySize)
		if _, err = io.ReadFull(u.cfg.Rand, a.Key); err != nil {
			return nil, err
		}
	}
	ciphertext, err := seal(a.Key, plaintext)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(ciphertext)

	attrs, err := u.cfg.Client.UploadAttributes(ctx)
	if err != nil {
		return nil, err
	}
	if attrs.Resumable {
		err = u.uploadResumable(ctx, attrs.Location, ciphertext)
	} else {
		err = u.cfg.Client.PutBlob(ctx, attrs.Location, bytes.NewReader(ciphertext), int64(len(ciphertext)))
	}
	if err != nil {
		return nil, err
	}
	u.log.Debugf("Uploaded attachment %s (%d ciphertext bytes)", attrs.Key, len(ciphertext))

	return &envelope.AttachmentPointer{
		CDNKey:      attrs.Key,
		Key:         a.Key,
		Digest:      digest[:],
		Size:        uint64(len(plaintext)),
		ContentType: a.ContentType,
		FileName:    a.FileName,
	}, nil
}

// uploadResumable resumes from whatever prefix the remote end already
// holds, then uploads the remainder.
func (u *Uploader) uploadResumable(ctx context.Context, location string, ciphertext []byte) error {
	total := int64(len(ciphertext))
	offset, err := u.cfg.Client.ResumeOffset(ctx, location, total)
	if err != nil {
		return err
	}
	if offset >= total {
		return nil
	}
	if offset > 0 {
		u.log.Debugf("Resuming upload at offset %d of %d", offset, total)
	}
	return u.cfg.Client.PutBlobRange(ctx, location, bytes.NewReader(ciphertext[offset:]), offset, total)
}

// seal encrypts plaintext under key.  The key is single-use per
// attachment, so the nonce is fixed and the output deterministic, which
// is what lets an interrupted upload resume.
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts a downloaded attachment blob with the key and digest from
// its pointer.  It is the inverse of the uploader's encryption and exists
// so receiving code can verify the round trip.
func Open(pointer *envelope.AttachmentPointer, blob []byte) ([]byte, error) {
	digest := sha256.Sum256(blob)
	if !bytes.Equal(digest[:], pointer.Digest) {
		return nil, errors.New("attach: digest mismatch")
	}
	aead, err := chacha20poly1305.NewX(pointer.Key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("attach: decryption failed: %v", err)
	}
	return plaintext, nil
}
