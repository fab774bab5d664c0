package issue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/cache"
	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/store"
	"github.com/spf13/viper"
)

// ErrValidation - malformed onboarding request; not retried.
var ErrValidation = errors.New("validation error")

// Config carries issuance defaults.
type Config struct {
	Algorithm      string
	RSAKeySize     int
	ECDSACurve     string
	DefaultTTLDays int
}

// ConfigFromViper reads issuance settings.
func ConfigFromViper() Config {
	return Config{
		Algorithm:      viper.GetString("keys.algorithm"),
		RSAKeySize:     viper.GetInt("keys.rsa_key_size"),
		ECDSACurve:     viper.GetString("keys.ecdsa_curve"),
		DefaultTTLDays: viper.GetInt("certs.ttl"),
	}
}

// Result is a completed issuance. Clamped is set when the requested
// validity outlived the issuing CA and was shortened instead of rejected.
type Result struct {
	Certificate   models.CertData
	PrivateKeyPEM []byte
	Clamped       bool
	Warning       string
}

// Engine orchestrates one onboarding request end to end: keypair via
// crypts, serial via store, signature via the CA manager, atomic persist
// via store. A failure at any step leaves no certificate record; the
// allocated serial stays consumed.
type Engine struct {
	store *store.Store
	caman *ca.Manager
	cache cache.Cache
	cfg   Config
}

func NewEngine(st *store.Store, caman *ca.Manager, c cache.Cache, cfg Config) *Engine {
	return &Engine{store: st, caman: caman, cache: c, cfg: cfg}
}

// Issue creates a signed client identity for owner/subject. Concurrent
// requests are serialized only at serial allocation; key generation and
// signing run unlocked.
func (e *Engine) Issue(ctx context.Context, owner, subject string, requestedDays int) (Result, error) {
	owner = strings.TrimSpace(owner)
	subject = strings.TrimSpace(subject)
	if owner == "" {
		return Result{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if subject == "" {
		return Result{}, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if requestedDays < 0 {
		return Result{}, fmt.Errorf("%w: negative validity", ErrValidation)
	}
	if requestedDays == 0 {
		requestedDays = e.cfg.DefaultTTLDays
	}

	issuer, err := e.caman.SigningCA(ctx)
	if err != nil {
		return Result{}, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, requestedDays)

	// Best-effort issuance: clamp to the CA's remaining lifetime with a
	// warning instead of failing the request.
	var clamped bool
	var warning string
	issuerNotAfter, err := time.Parse(time.RFC3339, issuer.NotAfter)
	if err != nil {
		return Result{}, fmt.Errorf("parse issuer not_after: %w", err)
	}
	if notAfter.After(issuerNotAfter) {
		notAfter = issuerNotAfter
		clamped = true
		warning = fmt.Sprintf("requested validity clamped to issuer expiry %s", issuer.NotAfter)
	}

	key, err := crypts.GenerateKeyPair(e.cfg.Algorithm, e.cfg.RSAKeySize, e.cfg.ECDSACurve)
	if err != nil {
		return Result{}, err
	}
	keyPEM, err := crypts.EncodePrivateKeyToPEM(key)
	if err != nil {
		return Result{}, err
	}

	serial, err := e.store.AllocateSerial(ctx, issuer.Id)
	if err != nil {
		return Result{}, err
	}

	certPEM, fingerprint, err := e.caman.Sign(ctx, issuer.Id, serial, subject, key.Public(), notBefore, notAfter)
	if err != nil {
		// The serial stays allocated and is skipped; no record to clean up.
		return Result{}, err
	}

	cert := models.CertData{
		Serial:      serial,
		IssuerId:    issuer.Id,
		Subject:     subject,
		Owner:       owner,
		PublicKey:   string(certPEM),
		Fingerprint: fingerprint,
		NotBefore:   notBefore.Format(time.RFC3339),
		NotAfter:    notAfter.Format(time.RFC3339),
		CertStatus:  models.CertStatusValid,
		CreateTime:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := e.store.PersistCertificate(ctx, &cert, keyPEM); err != nil {
		return Result{}, err
	}

	// Warm the cache with the new record; correctness never depends on it.
	if buf, err := json.Marshal(cert); err == nil {
		if err := e.cache.Set(ctx, cache.CertKey(issuer.Id, serial), buf); err != nil {
			slog.Warn("issue: cache warm failed", "error", err)
		}
	}

	slog.Info("issue: certificate issued",
		"owner", owner, "subject", subject, "issuer_id", issuer.Id,
		"serial", serial, "fingerprint", fingerprint, "clamped", clamped)

	return Result{
		Certificate:   cert,
		PrivateKeyPEM: keyPEM,
		Clamped:       clamped,
		Warning:       warning,
	}, nil
}

// Certificate is the cached read path for issued certificate metadata.
func (e *Engine) Certificate(ctx context.Context, issuerID string, serial int64) (models.CertData, error) {
	key := cache.CertKey(issuerID, serial)
	if buf, err := e.cache.Get(ctx, key); err == nil {
		var cert models.CertData
		if err := json.Unmarshal(buf, &cert); err == nil {
			return cert, nil
		}
	}

	cert, err := e.store.GetCertificate(ctx, issuerID, serial)
	if err != nil {
		return models.CertData{}, err
	}
	if buf, err := json.Marshal(cert); err == nil {
		if err := e.cache.Set(ctx, key, buf); err != nil {
			slog.Warn("issue: cache repopulate failed", "error", err)
		}
	}
	return cert, nil
}
