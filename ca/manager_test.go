package ca

import (
	"context"
	"testing"
	"time"

	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/store"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, crypts.DeriveKey([]byte("test-pass"), []byte("test-salt")))
	require.NoError(t, st.InitSchema())

	return NewManager(st, Config{
		Algorithm:  crypts.AlgorithmECDSA,
		ECDSACurve: "P256",
		CRLBaseURL: "http://mesh.test/api/v1/crl",
	}), st
}

func testSubject(cn string) Subject {
	return Subject{
		CommonName:   cn,
		CountryName:  "US",
		Organization: "meshca test",
		Email:        "pki@mesh.test",
	}
}

func TestBootstrapRootOnce(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	root, err := m.BootstrapRoot(ctx, testSubject("test root"), 3650)
	require.NoError(t, err)
	assert.Equal(t, models.CALevelRoot, root.Level)
	assert.Equal(t, models.CAStatusActive, root.CAStatus)

	cert, err := crypts.ParseCertificatePEM([]byte(root.PublicKey))
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	assert.Equal(t, "test root", cert.Subject.CommonName)
	assert.Equal(t, 1, cert.MaxPathLen)

	_, err = m.BootstrapRoot(ctx, testSubject("second root"), 3650)
	assert.ErrorIs(t, err, ErrRootAlreadyExists)
}

func TestIssueIntermediate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.IssueIntermediate(ctx, testSubject("orphan"), 1825)
	assert.ErrorIs(t, err, ErrNoActiveRoot)

	root, err := m.BootstrapRoot(ctx, testSubject("test root"), 3650)
	require.NoError(t, err)

	// the intermediate starts later than the root, so an equal lifetime
	// already outlives it
	_, err = m.IssueIntermediate(ctx, testSubject("greedy sub"), 3650)
	assert.ErrorIs(t, err, ErrValidityExceedsParent)

	sub, err := m.IssueIntermediate(ctx, testSubject("test sub"), 1825)
	require.NoError(t, err)
	assert.Equal(t, models.CALevelSub, sub.Level)
	assert.Equal(t, root.Id, sub.ParentId)

	subCert, err := crypts.ParseCertificatePEM([]byte(sub.PublicKey))
	require.NoError(t, err)
	rootCert, err := crypts.ParseCertificatePEM([]byte(root.PublicKey))
	require.NoError(t, err)
	assert.True(t, subCert.MaxPathLenZero)
	assert.NoError(t, crypts.VerifyChain(subCert, nil, rootCert))
}

func TestSigningCAFallback(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SigningCA(ctx)
	assert.ErrorIs(t, err, ErrCANotActive)

	root, err := m.BootstrapRoot(ctx, testSubject("test root"), 3650)
	require.NoError(t, err)

	signing, err := m.SigningCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, root.Id, signing.Id)

	sub, err := m.IssueIntermediate(ctx, testSubject("test sub"), 1825)
	require.NoError(t, err)

	signing, err = m.SigningCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, sub.Id, signing.Id)
}

func TestRotate(t *testing.T) {
	m, st := newTestManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Rotate(ctx, models.CALevelSub), ErrCANotActive)

	_, err := m.BootstrapRoot(ctx, testSubject("test root"), 3650)
	require.NoError(t, err)
	sub, err := m.IssueIntermediate(ctx, testSubject("test sub"), 1825)
	require.NoError(t, err)

	require.NoError(t, m.Rotate(ctx, models.CALevelSub))

	rotated, err := st.GetCA(ctx, sub.Id)
	require.NoError(t, err)
	assert.Equal(t, models.CAStatusRotated, rotated.CAStatus)

	// signing falls back to the root until a new intermediate is issued
	signing, err := m.SigningCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CALevelRoot, signing.Level)

	replacement, err := m.IssueIntermediate(ctx, testSubject("test sub v2"), 1825)
	require.NoError(t, err)
	signing, err = m.SigningCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, replacement.Id, signing.Id)
}

func TestSign(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.BootstrapRoot(ctx, testSubject("test root"), 3650)
	require.NoError(t, err)
	sub, err := m.IssueIntermediate(ctx, testSubject("test sub"), 1825)
	require.NoError(t, err)

	key, err := crypts.GenerateKeyPair(crypts.AlgorithmECDSA, 0, "P256")
	require.NoError(t, err)

	notBefore := time.Now().UTC()
	certPEM, fingerprint, err := m.Sign(ctx, sub.Id, 1, "device-1", key.Public(), notBefore, notBefore.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, fingerprint, 64)

	cert, err := crypts.ParseCertificatePEM(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "device-1", cert.Subject.CommonName)
	assert.Equal(t, int64(1), cert.SerialNumber.Int64())
	assert.False(t, cert.IsCA)
	assert.Contains(t, cert.CRLDistributionPoints, "http://mesh.test/api/v1/crl")

	// a rotated issuer must refuse to sign
	require.NoError(t, m.Rotate(ctx, models.CALevelSub))
	_, _, err = m.Sign(ctx, sub.Id, 2, "device-2", key.Public(), notBefore, notBefore.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, ErrCANotActive)
}

func TestAnchorChain(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.AnchorChain(ctx)
	assert.ErrorIs(t, err, ErrCANotActive)

	root, err := m.BootstrapRoot(ctx, testSubject("test root"), 3650)
	require.NoError(t, err)

	chain, err := m.AnchorChain(ctx)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, root.Id, chain[0].Id)

	sub, err := m.IssueIntermediate(ctx, testSubject("test sub"), 1825)
	require.NoError(t, err)

	chain, err = m.AnchorChain(ctx)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, sub.Id, chain[0].Id)
	assert.Equal(t, root.Id, chain[1].Id)
}
