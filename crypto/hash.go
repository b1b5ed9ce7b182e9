package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// Hash is a sha256 digest.
type Hash [Size]byte

func (h Hash) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

func Hasher(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// Fingerprint is a short digest of the token for operators to compare
// configurations by eye.
func (t Token) Fingerprint() string {
	hash := Hasher(t[:])
	return hex.EncodeToString(hash[:8])
}
