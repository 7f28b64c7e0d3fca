// Package linkcrypto provides the symmetric stream cipher shared by every
// transport/*Link implementation for Link.Encrypt/Decrypt. It is grounded
// on the chacha20poly1305 AEAD usage found across the wider pack's
// transport-framing code (aead.Seal/aead.Open keyed by a pre-shared
// symmetric key), adapted to a sequenced nonce counter instead of a
// handshake transcript hash, since key agreement proper is out of scope
// here: both transports assume the 32-byte key was exchanged out of band,
// the same assumption transport/quiclink's certificate-fingerprint pinning
// makes explicit.
package linkcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the pre-shared symmetric key length.
const KeySize = chacha20poly1305.KeySize

// Cipher encrypts/decrypts one Link's resource-protocol byte stream. A
// Cipher is not safe for concurrent Encrypt calls from multiple goroutines
// producing nonces for the same underlying stream identity, but the
// resource engine only ever has one outgoing resource preparing ciphertext
// at a time per Link, so a single atomic counter suffices.
type Cipher struct {
	aead  cipher.AEAD
	nonce uint64
}

// New builds a Cipher from a pre-shared key.
func New(key [KeySize]byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("linkcrypto: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// GenerateKey produces a fresh random pre-shared key for out-of-band
// exchange between the two sides of a Link.
func GenerateKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	_, err := rand.Read(key[:])
	return key, err
}

// Encrypt seals plaintext under a fresh sequence-numbered nonce, prepending
// the nonce to the returned ciphertext so Decrypt on the peer side never
// needs an out-of-band nonce channel.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	n := atomic.AddUint64(&c.nonce, 1)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], n)

	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	return c.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt (nonce-prefixed).
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("linkcrypto: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	return c.aead.Open(nil, nonce, sealed, nil)
}
