package crypts

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	for _, alg := range []string{AlgorithmRSA, AlgorithmECDSA, AlgorithmEd25519} {
		key, err := GenerateKeyPair(alg, 2048, "P256")
		require.NoError(t, err, alg)
		require.NotNil(t, key.Public(), alg)
	}

	_, err := GenerateKeyPair("dsa", 0, "")
	assert.Error(t, err)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)

	pemBytes, err := EncodePrivateKeyToPEM(key)
	require.NoError(t, err)
	assert.Contains(t, string(pemBytes), "PRIVATE KEY")

	parsed, err := ParsePrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.Public(), parsed.Public())

	_, err = ParsePrivateKeyPEM([]byte("not a pem"))
	assert.Error(t, err)
}

func TestBuildCertificateValidityWindow(t *testing.T) {
	key, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)

	now := time.Now().UTC()

	// inverted window
	_, err = BuildCertificate(CertRequest{
		Serial:    big.NewInt(1),
		Subject:   pkix.Name{CommonName: "bad"},
		NotBefore: now,
		NotAfter:  now.Add(-time.Hour),
		IsCA:      true,
	}, key.Public(), nil, key)
	assert.ErrorIs(t, err, ErrInvalidValidityWindow)

	// leaf must not outlive its issuer
	rootDER, err := BuildCertificate(CertRequest{
		Serial:     big.NewInt(2),
		Subject:    pkix.Name{CommonName: "short root"},
		NotBefore:  now,
		NotAfter:   now.AddDate(0, 0, 10),
		IsCA:       true,
		MaxPathLen: 1,
	}, key.Public(), nil, key)
	require.NoError(t, err)
	rootCert, err := ParseCertificatePEM(EncodeCertificateToPEM(rootDER))
	require.NoError(t, err)

	leafKey, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)
	_, err = BuildCertificate(CertRequest{
		Serial:    big.NewInt(3),
		Subject:   pkix.Name{CommonName: "greedy leaf"},
		NotBefore: now,
		NotAfter:  now.AddDate(0, 0, 20),
	}, leafKey.Public(), rootCert, key)
	assert.ErrorIs(t, err, ErrInvalidValidityWindow)
}

func TestVerifyChain(t *testing.T) {
	now := time.Now().UTC()

	rootKey, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)
	rootDER, err := BuildCertificate(CertRequest{
		Serial:     big.NewInt(1),
		Subject:    pkix.Name{CommonName: "test root"},
		NotBefore:  now,
		NotAfter:   now.AddDate(10, 0, 0),
		IsCA:       true,
		MaxPathLen: 1,
	}, rootKey.Public(), nil, rootKey)
	require.NoError(t, err)
	root, err := ParseCertificatePEM(EncodeCertificateToPEM(rootDER))
	require.NoError(t, err)

	subKey, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)
	subDER, err := BuildCertificate(CertRequest{
		Serial:    big.NewInt(2),
		Subject:   pkix.Name{CommonName: "test intermediate"},
		NotBefore: now,
		NotAfter:  now.AddDate(5, 0, 0),
		IsCA:      true,
	}, subKey.Public(), root, rootKey)
	require.NoError(t, err)
	sub, err := ParseCertificatePEM(EncodeCertificateToPEM(subDER))
	require.NoError(t, err)

	leafKey, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)
	leafDER, err := BuildCertificate(CertRequest{
		Serial:    big.NewInt(3),
		Subject:   pkix.Name{CommonName: "client"},
		NotBefore: now,
		NotAfter:  now.AddDate(1, 0, 0),
	}, leafKey.Public(), sub, subKey)
	require.NoError(t, err)
	leaf, err := ParseCertificatePEM(EncodeCertificateToPEM(leafDER))
	require.NoError(t, err)

	assert.NoError(t, VerifyChain(leaf, []*x509.Certificate{sub}, root))

	// a foreign root must not validate the chain
	otherKey, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)
	otherDER, err := BuildCertificate(CertRequest{
		Serial:     big.NewInt(4),
		Subject:    pkix.Name{CommonName: "other root"},
		NotBefore:  now,
		NotAfter:   now.AddDate(10, 0, 0),
		IsCA:       true,
		MaxPathLen: 1,
	}, otherKey.Public(), nil, otherKey)
	require.NoError(t, err)
	other, err := ParseCertificatePEM(EncodeCertificateToPEM(otherDER))
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyChain(leaf, []*x509.Certificate{sub}, other), ErrInvalidChain)
	assert.ErrorIs(t, VerifyChain(nil, nil, root), ErrInvalidChain)
}

func TestFingerprintStable(t *testing.T) {
	key, err := GenerateKeyPair(AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)
	der, err := BuildCertificate(CertRequest{
		Serial:    big.NewInt(7),
		Subject:   pkix.Name{CommonName: "fp"},
		NotBefore: time.Now().UTC(),
		NotAfter:  time.Now().UTC().Add(time.Hour),
		IsCA:      true,
	}, key.Public(), nil, key)
	require.NoError(t, err)

	fp := Fingerprint(der)
	assert.Len(t, fp, 64)
	assert.Equal(t, fp, Fingerprint(der))
}

func TestAesRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("sealed private key material")

	var a Aes
	ciphertext, err := a.Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	out, err := a.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	wrong := make([]byte, 32)
	_, err = a.Decrypt(ciphertext, wrong)
	assert.Error(t, err)

	_, err = a.Decrypt([]byte("short"), key)
	assert.Error(t, err)
}

func TestDeriveKeySize(t *testing.T) {
	key := DeriveKey([]byte("passphrase"), []byte("salt"))
	assert.Len(t, key, KeySize)
	assert.Equal(t, key, DeriveKey([]byte("passphrase"), []byte("salt")))
	assert.NotEqual(t, key, DeriveKey([]byte("other"), []byte("salt")))
}
