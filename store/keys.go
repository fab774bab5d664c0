package store

import (
	"fmt"

	"github.com/addspin/meshca/crypts"
)

// EncryptedKey is an opaque handle over sealed private key bytes. The
// ciphertext is unexported so nothing outside the store can recover the
// key; collaborators may only carry the handle or persist Sealed().
type EncryptedKey struct {
	ciphertext []byte
}

// Sealed returns the ciphertext for persistence. It is useless without
// the keystore key.
func (k EncryptedKey) Sealed() []byte {
	out := make([]byte, len(k.ciphertext))
	copy(out, k.ciphertext)
	return out
}

// keyCipher seals and opens private keys with the keystore AES key.
type keyCipher struct {
	key []byte
}

func (c keyCipher) seal(keyPEM []byte) (EncryptedKey, error) {
	aes := crypts.Aes{}
	ct, err := aes.Encrypt(keyPEM, c.key)
	if err != nil {
		return EncryptedKey{}, fmt.Errorf("seal private key: %w", err)
	}
	return EncryptedKey{ciphertext: ct}, nil
}

func (c keyCipher) open(k EncryptedKey) ([]byte, error) {
	aes := crypts.Aes{}
	pt, err := aes.Decrypt(k.ciphertext, c.key)
	if err != nil {
		return nil, fmt.Errorf("open private key: %w", err)
	}
	return pt, nil
}
