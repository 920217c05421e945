package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// LocalPrefix tags the non-confidential local-only encoding.
	LocalPrefix = "LCL:"
	// E2EEPrefix tags an authenticated, passphrase-encrypted envelope.
	E2EEPrefix = "E2EE:"

	// SaltSize is the size of the per-envelope PBKDF2 salt.
	SaltSize = 16
	// IVSize is the AES-GCM nonce size.
	IVSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16
	// KeySize selects AES-256.
	KeySize = 32
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
)

var (
	// ErrDecryption indicates a missing or wrong passphrase, a failed
	// authentication tag check, or a malformed envelope.
	ErrDecryption = errors.New("decryption failed")

	// ErrEncryption indicates the envelope could not be produced.
	ErrEncryption = errors.New("encryption failed")

	// ErrEmptyPassphrase indicates a key derivation without a passphrase.
	ErrEmptyPassphrase = errors.New("passphrase cannot be empty")
)

// Envelope is the parsed form of an E2EE envelope.
type Envelope struct {
	Salt       []byte
	IV         []byte
	Ciphertext []byte // without the trailing tag
	AuthTag    []byte
}

// Sealed is the result of Seal: the textual envelope plus its parsed fields
// for callers that record them separately.
type Sealed struct {
	Encoded  string
	Envelope Envelope
}

// DeriveKey derives an AES-256 key from passphrase and salt.
// The result is deterministic for a (passphrase, salt) pair; callers must use
// a fresh salt and IV for every encryption.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(salt), SaltSize)
	}
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New), nil
}

// Encrypt encodes plaintext. With an empty passphrase the LCL encoding is
// returned; otherwise an E2EE envelope.
func Encrypt(plaintext []byte, passphrase string) (string, error) {
	if passphrase == "" {
		NewLogger("Encrypt").WithField("size", len(plaintext)).Debug("No passphrase supplied, using local-only encoding")
		return LocalPrefix + base64.StdEncoding.EncodeToString(plaintext), nil
	}

	sealed, err := Seal(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return sealed.Encoded, nil
}

// Seal produces an E2EE envelope. A passphrase is required.
func Seal(plaintext []byte, passphrase string) (*Sealed, error) {
	log := NewLogger("Seal").WithField("size", len(plaintext))

	if passphrase == "" {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, ErrEmptyPassphrase)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", ErrEncryption, err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: generate iv: %v", ErrEncryption, err)
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	defer ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		log.WithError(err, "cipher", "newGCM").Error("Failed to initialise cipher")
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	env := Envelope{
		Salt:       salt,
		IV:         iv,
		Ciphertext: sealed[:len(sealed)-TagSize],
		AuthTag:    sealed[len(sealed)-TagSize:],
	}

	log.WithFields(SecureFieldHash(env.Ciphertext, "ciphertext")).Debug("Envelope sealed")
	return &Sealed{Encoded: env.Encode(), Envelope: env}, nil
}

// Decrypt dispatches on the envelope prefix and returns the plaintext.
// Any failure wraps ErrDecryption and yields a nil plaintext.
func Decrypt(encoded string, passphrase string) ([]byte, error) {
	log := NewLogger("Decrypt")

	switch {
	case strings.HasPrefix(encoded, LocalPrefix):
		data, err := base64.StdEncoding.DecodeString(encoded[len(LocalPrefix):])
		if err != nil {
			return nil, fmt.Errorf("%w: malformed local encoding", ErrDecryption)
		}
		return data, nil

	case strings.HasPrefix(encoded, E2EEPrefix):
		if passphrase == "" {
			log.Warn("E2EE envelope received without a passphrase")
			return nil, fmt.Errorf("%w: passphrase required", ErrDecryption)
		}

		env, err := ParseEnvelope(encoded)
		if err != nil {
			return nil, err
		}
		return env.Open(passphrase)

	default:
		return nil, fmt.Errorf("%w: unknown envelope prefix", ErrDecryption)
	}
}

// Open decrypts the envelope with passphrase.
func (e *Envelope) Open(passphrase string) ([]byte, error) {
	key, err := DeriveKey(passphrase, e.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	sealed := make([]byte, 0, len(e.Ciphertext)+len(e.AuthTag))
	sealed = append(sealed, e.Ciphertext...)
	sealed = append(sealed, e.AuthTag...)

	plaintext, err := gcm.Open(nil, e.IV, sealed, nil)
	if err != nil {
		NewLogger("Open").WithFields(OperationFields("gcm_open", "failed")).Warn("Authentication tag check failed")
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted data", ErrDecryption)
	}
	return plaintext, nil
}

// Encode renders the envelope in its textual E2EE form.
func (e *Envelope) Encode() string {
	raw := make([]byte, 0, len(e.Salt)+len(e.IV)+len(e.Ciphertext)+len(e.AuthTag))
	raw = append(raw, e.Salt...)
	raw = append(raw, e.IV...)
	raw = append(raw, e.Ciphertext...)
	raw = append(raw, e.AuthTag...)
	return E2EEPrefix + base64.StdEncoding.EncodeToString(raw)
}

// ParseEnvelope parses a textual E2EE envelope.
func ParseEnvelope(encoded string) (*Envelope, error) {
	if !strings.HasPrefix(encoded, E2EEPrefix) {
		return nil, fmt.Errorf("%w: not an E2EE envelope", ErrDecryption)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded[len(E2EEPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed base64", ErrDecryption)
	}
	if len(raw) < SaltSize+IVSize+TagSize {
		return nil, fmt.Errorf("%w: envelope too short: %d bytes", ErrDecryption, len(raw))
	}

	body := raw[SaltSize+IVSize:]
	return &Envelope{
		Salt:       raw[:SaltSize],
		IV:         raw[SaltSize : SaltSize+IVSize],
		Ciphertext: body[:len(body)-TagSize],
		AuthTag:    body[len(body)-TagSize:],
	}, nil
}

// IsConfidential reports whether encoded is an E2EE envelope.
func IsConfidential(encoded string) bool {
	return strings.HasPrefix(encoded, E2EEPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
