package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/cache"
	"github.com/addspin/meshca/crl"
	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/datapack"
	"github.com/addspin/meshca/issue"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/store"
	"github.com/gofiber/fiber/v3"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*fiber.App, *issue.Engine) {
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

	c := cache.NewMemory(time.Minute)
	engine := issue.NewEngine(st, caman, c, issue.Config{
		Algorithm:      crypts.AlgorithmECDSA,
		ECDSACurve:     "P256",
		DefaultTTLDays: 365,
	})
	crlSvc := crl.NewService(st, c, crl.Config{
		UpdateInterval:  24 * time.Hour,
		RefreshInterval: time.Hour,
	})
	builder := datapack.NewBuilder(st, caman, crlSvc, datapack.Config{
		MeshHost:           "mesh.test",
		MeshPort:           8089,
		MeshProtocol:       "ssl",
		TruststorePassword: "atakatak",
		PackageType:        models.PackageTypeFull,
	})

	app := fiber.New()
	Setup(app, Deps{
		Store:   st,
		CA:      caman,
		Engine:  engine,
		CRL:     crlSvc,
		Builder: builder,
	})
	return app, engine
}

func TestCertInfoRoute(t *testing.T) {
	app, engine := newTestApp(t)

	res, err := engine.Issue(context.Background(), "alice", "device-1", 0)
	require.NoError(t, err)

	req := httptest.NewRequest("GET",
		fmt.Sprintf("/api/v1/certificates/%d", res.Certificate.Serial), nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		Status      string           `json:"status"`
		Certificate models.CertData `json:"certificate"`
	}
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(buf, &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, res.Certificate.Serial, body.Certificate.Serial)
	assert.Equal(t, res.Certificate.Fingerprint, body.Certificate.Fingerprint)
	assert.Equal(t, "device-1", body.Certificate.Subject)
	// the private key never leaves via the lookup surface
	assert.NotContains(t, string(buf), "PRIVATE KEY")
}

func TestCertInfoRouteErrors(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("GET", "/api/v1/certificates/404", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	req = httptest.NewRequest("GET", "/api/v1/certificates/not-a-number", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestCRLRouteUnknownIssuer(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("GET", "/api/v1/crl/no-such-issuer", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
