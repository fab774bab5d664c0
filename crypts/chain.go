package crypts

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrInvalidChain reports a leaf that does not chain to the given root.
var ErrInvalidChain = errors.New("invalid certificate chain")

// VerifyChain checks that leaf chains to root through the given
// intermediates: signatures, validity windows, and path length
// constraints. The leaf must not outlive any certificate above it.
func VerifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate, root *x509.Certificate) error {
	if leaf == nil || root == nil {
		return fmt.Errorf("%w: missing leaf or root", ErrInvalidChain)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)
	inters := x509.NewCertPool()
	for _, c := range intermediates {
		inters.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}

	if leaf.NotAfter.After(root.NotAfter) {
		return fmt.Errorf("%w: leaf outlives root", ErrInvalidChain)
	}
	for _, c := range intermediates {
		if leaf.NotAfter.After(c.NotAfter) {
			return fmt.Errorf("%w: leaf outlives intermediate %s", ErrInvalidChain, c.Subject.CommonName)
		}
	}
	return nil
}
