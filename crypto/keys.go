// Package crypto provides the ed25519 identities used to authenticate servers
// and sign the frames exchanged between them.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
)

const (
	TokenSize      = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	NonceSize      = 32
	Size           = 32
)

// Token is the public identity of a server.
type Token [TokenSize]byte

type PrivateKey [PrivateKeySize]byte

type Signature [SignatureSize]byte

var (
	ZeroToken      Token
	ZeroPrivateKey PrivateKey
	ZeroSignature  Signature
)

func (t Token) Equal(another Token) bool {
	return t == another
}

// Verify checks the signature of msg against the token.
func (t Token) Verify(msg []byte, signature Signature) bool {
	return ed25519.Verify(t[:], msg, signature[:])
}

func (t Token) String() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

func (t Token) Hex() string {
	return hex.EncodeToString(t[:])
}

func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(text []byte) error {
	token, err := ParseToken(string(text))
	if err != nil {
		return err
	}
	*t = token
	return nil
}

// ParseToken accepts a base64 or hex encoded token.
func ParseToken(text string) (Token, error) {
	var token Token
	bytes, err := base64.StdEncoding.DecodeString(text)
	if err != nil || len(bytes) != TokenSize {
		bytes, err = hex.DecodeString(text)
		if err != nil {
			return token, ErrPublicKeyParse
		}
	}
	if len(bytes) != TokenSize {
		return token, ErrPublicKeyParse
	}
	copy(token[:], bytes)
	return token, nil
}

// TokenFromString returns ZeroToken if text is not a valid token.
func TokenFromString(text string) Token {
	token, _ := ParseToken(text)
	return token
}

func (p PrivateKey) PublicKey() Token {
	var token Token
	copy(token[:], p[32:])
	return token
}

func (p PrivateKey) Sign(msg []byte) Signature {
	var signature Signature
	copy(signature[:], ed25519.Sign(p[:], msg))
	return signature
}

func (p PrivateKey) Seed() [32]byte {
	var seed [32]byte
	copy(seed[:], p[:32])
	return seed
}

func PrivateKeyFromSeed(seed [32]byte) PrivateKey {
	var key PrivateKey
	copy(key[:], ed25519.NewKeyFromSeed(seed[:]))
	return key
}

// IsValidPrivateKey checks that the public half of the key matches its seed.
func IsValidPrivateKey(key []byte) bool {
	if len(key) != PrivateKeySize {
		return false
	}
	var seed [32]byte
	copy(seed[:], key[:32])
	derived := PrivateKeyFromSeed(seed)
	return string(derived[:]) == string(key)
}

func RandomAsymetricKey() (Token, PrivateKey) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic("cannot read random source")
	}
	var token Token
	var key PrivateKey
	copy(token[:], public)
	copy(key[:], private)
	return token, key
}

// Nonce returns NonceSize random bytes.
func Nonce() []byte {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		panic("cannot read random source")
	}
	return nonce
}
