// Package identity provides the cryptographic identity collaborator the
// resource engine consumes for content addressing: a full hash, a
// truncated hash, and a source of random salt bytes. Key agreement and
// link establishment are out of scope for this package; see
// internal/crypto (used by transport/quiclink) for the Ed25519 identity
// keys used to authenticate a link itself.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
)

// HashLen is the length in bytes of a full hash.
const HashLen = sha256.Size

// TruncatedHashLen is the length in bytes of a truncated hash, used to
// address packets on the wire without carrying a full hash.
const TruncatedHashLen = 16

// FullHash returns the 32-byte cryptographic hash of data.
func FullHash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// TruncatedHash returns the first TruncatedHashLen bytes of FullHash(data).
func TruncatedHash(data []byte) []byte {
	return FullHash(data)[:TruncatedHashLen]
}

// GetRandomHash returns HashLen cryptographically random bytes, used as
// resource salts and collision-avoidance re-rolls.
func GetRandomHash() []byte {
	b := make([]byte, HashLen)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing is not a recoverable condition
	}
	return b
}
