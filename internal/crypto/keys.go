package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

// KeyPair holds the server's RSA-OAEP key pair and the JWK form of the
// public key sent to clients during the handshake.
type KeyPair struct {
	private *rsa.PrivateKey
	jwk     map[string]string
}

// GenerateKeyPair generates an RSA-2048 key pair and pre-computes the
// public JWK.
func GenerateKeyPair() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	pub := &key.PublicKey
	jwk := map[string]string{
		"kty": "RSA",
		"alg": "RSA-OAEP-256",
		"use": "enc",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
	return &KeyPair{private: key, jwk: jwk}, nil
}

// PublicJWK returns the public key as a JWK map ready for JSON encoding.
func (k *KeyPair) PublicJWK() map[string]string {
	return k.jwk
}

// Decrypt decodes a base64 RSA-OAEP-SHA256 blob produced against the
// public key.
func (k *KeyPair) Decrypt(b64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.private, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("OAEP decrypt: %w", err)
	}
	return plain, nil
}
