package crypts

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrInvalidValidityWindow reports a certificate request whose validity
// window is empty, inverted, or outlives its issuer.
var ErrInvalidValidityWindow = errors.New("invalid validity window")

// CertRequest carries everything needed to build one certificate.
type CertRequest struct {
	Serial                *big.Int
	Subject               pkix.Name
	NotBefore             time.Time
	NotAfter              time.Time
	IsCA                  bool
	MaxPathLen            int
	DNSNames              []string
	CRLDistributionPoints []string
}

// BuildCertificate builds and signs a certificate in DER form. A nil
// issuerCert produces a self-signed certificate (root CA bootstrap); in
// that case issuerKey must be the private half of pub.
func BuildCertificate(req CertRequest, pub crypto.PublicKey, issuerCert *x509.Certificate, issuerKey crypto.Signer) ([]byte, error) {
	if !req.NotAfter.After(req.NotBefore) {
		return nil, fmt.Errorf("%w: not_after %s <= not_before %s",
			ErrInvalidValidityWindow, req.NotAfter.Format(time.RFC3339), req.NotBefore.Format(time.RFC3339))
	}
	if issuerCert != nil && req.NotAfter.After(issuerCert.NotAfter) {
		return nil, fmt.Errorf("%w: not_after %s outlives issuer %s",
			ErrInvalidValidityWindow, req.NotAfter.Format(time.RFC3339), issuerCert.NotAfter.Format(time.RFC3339))
	}

	template := x509.Certificate{
		SerialNumber:          req.Serial,
		Subject:               req.Subject,
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		BasicConstraintsValid: true,
		DNSNames:              req.DNSNames,
		CRLDistributionPoints: req.CRLDistributionPoints,
	}
	if req.IsCA {
		template.IsCA = true
		template.MaxPathLen = req.MaxPathLen
		template.MaxPathLenZero = req.MaxPathLen == 0
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parent := issuerCert
	if parent == nil {
		parent = &template
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, parent, pub, issuerKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return der, nil
}

// Fingerprint is the lowercase hex SHA-256 of the DER encoding.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// EncodeCertificateToPEM wraps DER bytes in a CERTIFICATE PEM block.
func EncodeCertificateToPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: der,
	})
}

// ParseCertificatePEM decodes a single PEM certificate.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}
