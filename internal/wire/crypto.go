package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/marci1175/szechat/internal/chaterr"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// DeriveSessionKey derives a 32-byte AES-256 key from the client's and
// server's handshake contributions using HKDF-SHA256. Both peers compute the
// same key locally from the two contributions they exchanged in the clear
// during the handshake; the key itself never goes on the wire.
func DeriveSessionKey(clientContribution, serverContribution []byte) ([KeySize]byte, error) {
	var key [KeySize]byte

	secret := append(append([]byte{}, clientContribution...), serverContribution...)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("szechat session key v1"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("wire: derive session key: %w", err)
	}
	return key, nil
}

// Cipher seals and opens frames with AES-256-GCM under a single session key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte AES-256 key.
func NewCipher(key [KeySize]byte) (*Cipher, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wire: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wire: new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts and authenticates plaintext, returning nonce||ciphertext.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("wire: seal: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open verifies and decrypts a buffer produced by Seal. A malformed or
// tampered buffer yields chaterr.ErrDecryptFailed.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("wire: open: %w", chaterr.ErrDecryptFailed)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: open: %w", chaterr.ErrDecryptFailed)
	}
	return plaintext, nil
}
