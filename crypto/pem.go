package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
)

var (
	ErrPrivateKeyParse = errors.New("could not parse private key")
	ErrPublicKeyParse  = errors.New("could not parse public key")
)

const (
	privateKeyBlock = "PRIVATE KEY"
	publicKeyBlock  = "PUBLIC KEY"
)

// ParsePEMPrivateKey reads an ed25519 key from a PKCS #8 PEM block, as
// written by openssl genpkey -algorithm ed25519 or EncodePEMPrivateKey.
func ParsePEMPrivateKey(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyBlock {
		return ZeroPrivateKey, ErrPrivateKeyParse
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return ZeroPrivateKey, ErrPrivateKeyParse
	}
	ed, ok := parsed.(ed25519.PrivateKey)
	if !ok || len(ed) != PrivateKeySize {
		return ZeroPrivateKey, ErrPrivateKeyParse
	}
	var key PrivateKey
	copy(key[:], ed)
	return key, nil
}

func ParsePEMPublicKey(data []byte) (Token, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicKeyBlock {
		return ZeroToken, ErrPublicKeyParse
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return ZeroToken, ErrPublicKeyParse
	}
	ed, ok := parsed.(ed25519.PublicKey)
	if !ok || len(ed) != TokenSize {
		return ZeroToken, ErrPublicKeyParse
	}
	var token Token
	copy(token[:], ed)
	return token, nil
}

func EncodePEMPrivateKey(key PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(ed25519.PrivateKey(key[:]))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyBlock, Bytes: der}), nil
}

func EncodePEMPublicKey(token Token) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(ed25519.PublicKey(token[:]))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyBlock, Bytes: der}), nil
}
