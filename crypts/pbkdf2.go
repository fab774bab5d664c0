package crypts

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KeySize    = 32     // AES-256
	Iterations = 100000 // PBKDF2 rounds
)

// DeriveKey stretches a passphrase into an AES-256 key.
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, Iterations, KeySize, sha256.New)
}
