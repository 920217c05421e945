package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/p2psync/blob"
	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/limits"
	"github.com/opd-ai/p2psync/store"
	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts time for testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Uploader queues files for devices that are not reachable directly.
type Uploader struct {
	store        store.Store
	blobs        blob.Store
	user         string
	selfDevice   string
	timeProvider TimeProvider
}

// NewUploader creates an uploader sending as selfDevice of user.
func NewUploader(s store.Store, b blob.Store, user, selfDevice string) *Uploader {
	return &Uploader{
		store:        s,
		blobs:        b,
		user:         user,
		selfDevice:   selfDevice,
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets the time source for testing.
func (u *Uploader) SetTimeProvider(tp TimeProvider) {
	u.timeProvider = tp
}

// Upload seals data with passphrase, stores the ciphertext and writes the
// record that the destination device listens for. Uploading the same file
// id again replaces the earlier copy.
func (u *Uploader) Upload(ctx context.Context, meta interfaces.FileMetadata, data []byte, destDevice, passphrase string) (*Record, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	if err := limits.ValidateRelayPayload(int64(len(data))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	sealed, err := crypto.Seal(data, passphrase)
	if err != nil {
		return nil, err
	}
	env := sealed.Envelope

	blobPath := BlobPath(u.user, destDevice, meta.ID)
	url, err := u.blobs.Upload(ctx, blobPath, env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUploadFailed, meta.ID, err)
	}

	meta.Size = int64(len(data))
	rec := &Record{
		FileMetadata:   meta,
		Version:        RecordVersion,
		IV:             base64.StdEncoding.EncodeToString(env.IV),
		AuthTag:        base64.StdEncoding.EncodeToString(env.AuthTag),
		Salt:           base64.StdEncoding.EncodeToString(env.Salt),
		StoragePath:    blobPath,
		DownloadURL:    url,
		SenderDeviceID: u.selfDevice,
		RelayedAt:      u.timeProvider.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encode record: %v", ErrUploadFailed, err)
	}

	if err := u.store.Set(ctx, RecordPath(u.user, destDevice, meta.ID), raw); err != nil {
		// Without a record nobody will fetch the blob.
		if derr := u.blobs.Delete(context.Background(), blobPath); derr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Uploader.Upload",
				"blob":     blobPath,
				"error":    derr.Error(),
			}).Warn("Failed to remove orphaned relay blob")
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUploadFailed, meta.ID, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Uploader.Upload",
		"file_id":     meta.ID,
		"destination": destDevice,
		"size":        len(data),
	}).Info("File queued on relay")

	return rec, nil
}

// IsUploadFailure reports whether err came from the relay storage path
// rather than from sealing.
func IsUploadFailure(err error) bool {
	return errors.Is(err, ErrUploadFailed)
}
