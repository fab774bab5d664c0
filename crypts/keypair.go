package crypts

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// Supported key algorithms
const (
	AlgorithmRSA     = "rsa"
	AlgorithmECDSA   = "ecdsa"
	AlgorithmEd25519 = "ed25519"
)

// GenerateKeyPair generates a fresh key pair for the requested algorithm.
// The key size applies to RSA, the curve name to ECDSA.
func GenerateKeyPair(algorithm string, keySize int, curve string) (crypto.Signer, error) {
	switch algorithm {
	case AlgorithmRSA:
		key, err := rsa.GenerateKey(rand.Reader, keySize)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key pair: %w", err)
		}
		return key, nil
	case AlgorithmECDSA:
		var c elliptic.Curve
		switch curve {
		case "P384":
			c = elliptic.P384()
		case "P521":
			c = elliptic.P521()
		default:
			c = elliptic.P256()
		}
		key, err := ecdsa.GenerateKey(c, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key pair: %w", err)
		}
		return key, nil
	case AlgorithmEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key pair: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key algorithm: %s", algorithm)
	}
}

// EncodePrivateKeyToPEM encodes any supported private key as PKCS#8 PEM.
func EncodePrivateKeyToPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// ParsePrivateKeyPEM is the inverse of EncodePrivateKeyToPEM.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T is not a signer", key)
	}
	return signer, nil
}
