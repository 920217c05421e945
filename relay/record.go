package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opd-ai/p2psync/crypto"
	"github.com/opd-ai/p2psync/interfaces"
	"github.com/opd-ai/p2psync/limits"
	"github.com/opd-ai/p2psync/store"
)

// RecordVersion is the current relay record version.
const RecordVersion = 1

// blobSuffix is appended to the record path to name the ciphertext object.
const blobSuffix = ".bin"

var (
	// ErrUploadFailed indicates the payload or its record could not be stored.
	ErrUploadFailed = errors.New("relay upload failed")
	// ErrDownloadFailed indicates the payload could not be fetched.
	ErrDownloadFailed = errors.New("relay download failed")
	// ErrInvalidRecord indicates a malformed relay record.
	ErrInvalidRecord = errors.New("invalid relay record")
	// ErrContentMismatch indicates a payload that decrypted but does not
	// match the content hash in its record.
	ErrContentMismatch = errors.New("relay payload does not match its content hash")
	// ErrPassphraseRequired indicates an attempt to relay without a passphrase.
	ErrPassphraseRequired = errors.New("relay requires a sync passphrase")
)

// Record is the metadata written next to a relayed payload.
type Record struct {
	interfaces.FileMetadata

	Version        int    `json:"v"`
	IV             string `json:"iv"`
	AuthTag        string `json:"authTag"`
	Salt           string `json:"salt"`
	StoragePath    string `json:"storagePath"`
	DownloadURL    string `json:"downloadURL"`
	SenderDeviceID string `json:"senderDeviceId"`
	RelayedAt      int64  `json:"relayedAt"`
}

// Prefix returns the relay prefix observed by (user, device).
func Prefix(user, device string) string {
	return store.Join("relay", user, device)
}

// RecordPath returns the record path of fileID for (user, device).
func RecordPath(user, device, fileID string) string {
	return store.Join(Prefix(user, device), fileID)
}

// BlobPath returns the blob path of fileID for (user, device).
func BlobPath(user, device, fileID string) string {
	return RecordPath(user, device, fileID) + blobSuffix
}

// envelope rebuilds the sealed form from the record and the downloaded
// ciphertext.
func (r *Record) envelope(ciphertext []byte) (*crypto.Envelope, error) {
	iv, err := base64.StdEncoding.DecodeString(r.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrInvalidRecord, err)
	}
	salt, err := base64.StdEncoding.DecodeString(r.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrInvalidRecord, err)
	}
	tag, err := base64.StdEncoding.DecodeString(r.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: authTag: %v", ErrInvalidRecord, err)
	}
	return &crypto.Envelope{Salt: salt, IV: iv, Ciphertext: ciphertext, AuthTag: tag}, nil
}

func decodeRecord(data []byte) (*Record, error) {
	if err := limits.ValidateControlMessage(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	switch {
	case r.Version != RecordVersion:
		return nil, fmt.Errorf("%w: version %d", ErrInvalidRecord, r.Version)
	case r.ID == "" || r.DownloadURL == "" || r.StoragePath == "":
		return nil, fmt.Errorf("%w: missing id or location", ErrInvalidRecord)
	case strings.Contains(r.ID, "/"):
		return nil, fmt.Errorf("%w: id %q", ErrInvalidRecord, r.ID)
	}
	return &r, nil
}
