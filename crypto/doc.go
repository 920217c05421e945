// Package crypto implements passphrase-based payload encryption for the sync
// subsystem. It is the only place where a wrong passphrase is detected.
//
// # Envelopes
//
// Encrypt produces one of two textual envelopes:
//
//	E2EE:<base64(salt || iv || ciphertext || tag)>   passphrase supplied
//	LCL:<base64(plaintext)>                          no passphrase
//
// The LCL form is not confidential. It exists for callers that explicitly
// accept local-only storage and must never be used for data leaving the
// device; the relay refuses to send it.
//
// # Key Derivation
//
// Every E2EE envelope carries a fresh 16-byte salt. The AES-256-GCM key is
// derived per operation with PBKDF2-SHA256 over the passphrase and that salt,
// so no derived key is cached or reused across envelopes:
//
//	sealed, err := crypto.Seal(data, passphrase)
//	if err != nil {
//	    return err
//	}
//	plaintext, err := crypto.Decrypt(sealed.Encoded, passphrase)
//	if errors.Is(err, crypto.ErrDecryption) {
//	    // wrong passphrase, tampered envelope or missing passphrase
//	}
//
// # Error Handling
//
// All decryption failures wrap ErrDecryption and return a nil plaintext.
// Callers distinguish "bad passphrase" from transport failures with errors.Is.
//
// # Thread Safety
//
// All functions are pure transforms and safe for concurrent use.
package crypto
