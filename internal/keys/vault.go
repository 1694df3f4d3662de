// Package keys manages actor RSA keypairs: generation, encrypted storage and
// rotation. Private keys never touch disk or the database in the clear; they
// are sealed with AES-256-GCM under a key derived from the host master secret.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// kdfSalt is fixed: the KEK must be re-derivable from the master secret alone.
const kdfSalt = "federation_key_encryption"

const kdfIterations = 100_000

// vaultAAD binds ciphertexts to this module so blobs cannot be replayed into
// other AES-GCM consumers of the same master secret.
const vaultAAD = "driftboard.federation.keyvault"

const (
	ivSize  = 12
	tagSize = 16
)

// ErrDecrypt is the single opaque decryption failure: tamper, truncation and
// wrong KEK are indistinguishable by design.
var ErrDecrypt = errors.New("key vault: decrypt failed")

// Vault seals and opens actor private keys.
type Vault struct {
	kek []byte
}

// NewVault derives the key-encryption key from the host master secret.
func NewVault(masterSecret string) *Vault {
	kek := pbkdf2.Key([]byte(masterSecret), []byte(kdfSalt), kdfIterations, 32, sha256.New)
	return &Vault{kek: kek}
}

// Encrypt seals plaintext into an IV(12) ‖ TAG(16) ‖ CIPHERTEXT blob with a
// fresh random IV.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.kek)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	// Seal appends the tag after the ciphertext; the stored layout puts the
	// tag first, so split and reorder.
	sealed := gcm.Seal(nil, iv, plaintext, []byte(vaultAAD))
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, ivSize+tagSize+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. Any tamper, truncation or wrong
// KEK yields ErrDecrypt.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, ErrDecrypt
	}
	block, err := aes.NewCipher(v.kek)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecrypt
	}

	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ct := blob[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, []byte(vaultAAD))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
