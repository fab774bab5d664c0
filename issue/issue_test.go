package issue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/cache"
	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/store"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, crypts.DeriveKey([]byte("test-pass"), []byte("test-salt")))
	require.NoError(t, st.InitSchema())

	caman := ca.NewManager(st, ca.Config{
		Algorithm:  crypts.AlgorithmECDSA,
		ECDSACurve: "P256",
		CRLBaseURL: "http://mesh.test/api/v1/crl",
	})
	ctx := context.Background()
	_, err = caman.BootstrapRoot(ctx, ca.Subject{CommonName: "test root"}, 3650)
	require.NoError(t, err)
	_, err = caman.IssueIntermediate(ctx, ca.Subject{CommonName: "test sub"}, 1825)
	require.NoError(t, err)

	return NewEngine(st, caman, cache.NewMemory(time.Minute), Config{
		Algorithm:      crypts.AlgorithmECDSA,
		ECDSACurve:     "P256",
		DefaultTTLDays: 365,
	}), st
}

func TestIssueSequentialSerials(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Issue(ctx, "alice", "device-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Certificate.Serial)
	assert.False(t, first.Clamped)
	assert.NotEmpty(t, first.PrivateKeyPEM)

	second, err := e.Issue(ctx, "alice", "device-2", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Certificate.Serial)
	assert.Equal(t, first.Certificate.IssuerId, second.Certificate.IssuerId)

	cert, err := crypts.ParseCertificatePEM([]byte(first.Certificate.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, "device-1", cert.Subject.CommonName)

	// the returned key matches the certificate
	key, err := crypts.ParsePrivateKeyPEM(first.PrivateKeyPEM)
	require.NoError(t, err)
	assert.Equal(t, cert.PublicKey, key.Public())
}

func TestIssueConcurrentSerialsDistinct(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	const n = 20
	serials := make(chan int64, n)
	errs := make(chan error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			res, err := e.Issue(ctx, "alice", fmt.Sprintf("device-%d", i), 0)
			if err != nil {
				errs <- err
				return
			}
			serials <- res.Certificate.Serial
		}(i)
	}
	close(start)
	wg.Wait()
	close(serials)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// no duplicates, no gaps: exactly 1..n
	seen := make(map[int64]bool, n)
	for s := range serials {
		assert.False(t, seen[s], "duplicate serial %d", s)
		seen[s] = true
	}
	require.Len(t, seen, n)
	for s := int64(1); s <= n; s++ {
		assert.True(t, seen[s], "serial %d missing", s)
	}
}

func TestIssueValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Issue(ctx, "", "device-1", 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Issue(ctx, "alice", "  ", 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Issue(ctx, "alice", "device-1", -1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIssueDefaultTTL(t *testing.T) {
	e, _ := newTestEngine(t)

	res, err := e.Issue(context.Background(), "alice", "device-1", 0)
	require.NoError(t, err)

	notBefore, err := time.Parse(time.RFC3339, res.Certificate.NotBefore)
	require.NoError(t, err)
	notAfter, err := time.Parse(time.RFC3339, res.Certificate.NotAfter)
	require.NoError(t, err)
	assert.Equal(t, notBefore.AddDate(0, 0, 365), notAfter)
}

func TestIssueClampedToIssuerExpiry(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Issue(ctx, "alice", "device-1", 100000)
	require.NoError(t, err)
	assert.True(t, res.Clamped)
	assert.NotEmpty(t, res.Warning)

	issuer, err := st.GetCA(ctx, res.Certificate.IssuerId)
	require.NoError(t, err)
	assert.Equal(t, issuer.NotAfter, res.Certificate.NotAfter)

	// the signed certificate carries the clamped window too
	cert, err := crypts.ParseCertificatePEM([]byte(res.Certificate.PublicKey))
	require.NoError(t, err)
	issuerNotAfter, err := time.Parse(time.RFC3339, issuer.NotAfter)
	require.NoError(t, err)
	assert.False(t, cert.NotAfter.After(issuerNotAfter))
}

func TestCertificateReadThrough(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Issue(ctx, "alice", "device-1", 0)
	require.NoError(t, err)

	got, err := e.Certificate(ctx, res.Certificate.IssuerId, res.Certificate.Serial)
	require.NoError(t, err)
	assert.Equal(t, res.Certificate.Fingerprint, got.Fingerprint)
	assert.Nil(t, got.PrivateKey)

	// cold cache falls through to the store
	e.cache = cache.NewMemory(time.Minute)
	got, err = e.Certificate(ctx, res.Certificate.IssuerId, res.Certificate.Serial)
	require.NoError(t, err)
	assert.Equal(t, res.Certificate.Fingerprint, got.Fingerprint)

	_, err = e.Certificate(ctx, res.Certificate.IssuerId, 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
