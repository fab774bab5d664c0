package crl

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/addspin/meshca/cache"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/store"
	"github.com/spf13/viper"
	"golang.org/x/sync/singleflight"
)

// Config carries CRL publication settings.
type Config struct {
	// UpdateInterval is how long a published CRL stays valid (nextUpdate).
	UpdateInterval time.Duration
	// RefreshInterval bounds how stale a served CRL may be before a lazy
	// rebuild is forced.
	RefreshInterval time.Duration
}

// ConfigFromViper reads the CRL settings.
func ConfigFromViper() Config {
	return Config{
		UpdateInterval:  time.Duration(viper.GetInt("crl.updateInterval")) * time.Hour,
		RefreshInterval: time.Duration(viper.GetInt("crl.refreshInterval")) * time.Hour,
	}
}

// Service maintains the authoritative revoked set and publishes CRLs.
// Regeneration is single-flighted per issuer: concurrent triggers collapse
// into one rebuild and share its result.
type Service struct {
	store *store.Store
	cache cache.Cache
	cfg   Config
	group singleflight.Group
}

func NewService(st *store.Store, c cache.Cache, cfg Config) *Service {
	return &Service{store: st, cache: c, cfg: cfg}
}

// reasonCode maps an operator reason to its RFC 5280 CRLReason code.
func reasonCode(reason string) int {
	switch reason {
	case models.ReasonKeyCompromise:
		return 1
	case models.ReasonSuperseded:
		return 4
	case models.ReasonCessation:
		return 5
	default:
		return 0 // unspecified
	}
}

// Revoke marks the serial revoked and kicks off an asynchronous CRL
// regeneration. The revocation itself is durable once this returns.
func (s *Service) Revoke(ctx context.Context, issuerID string, serial int64, reason string) (models.RevocationEntry, error) {
	entry, err := s.store.Revoke(ctx, issuerID, serial, reason)
	if err != nil {
		return models.RevocationEntry{}, err
	}

	if err := s.cache.Invalidate(ctx, cache.CertKey(issuerID, serial), cache.CRLKey(issuerID)); err != nil {
		slog.Warn("crl: cache invalidation failed", "issuer_id", issuerID, "error", err)
	}

	slog.Info("crl: certificate revoked", "issuer_id", issuerID, "serial", serial, "reason", reason)

	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.regenerate(rctx, issuerID); err != nil {
			slog.Error("crl: background regeneration failed", "issuer_id", issuerID, "error", err)
		}
	}()

	return entry, nil
}

// CurrentCRL returns the latest signed CRL in DER form, rebuilding lazily
// when a revocation is pending or the copy is older than the refresh
// interval. A failed rebuild leaves the previous CRL current.
func (s *Service) CurrentCRL(ctx context.Context, issuerID string) ([]byte, error) {
	if buf, err := s.cache.Get(ctx, cache.CRLKey(issuerID)); err == nil {
		return buf, nil
	}

	info, err := s.store.GetCRLInfo(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	if s.needsRebuild(info) {
		crlBytes, err := s.regenerate(ctx, issuerID)
		if err == nil {
			return crlBytes, nil
		}
		if info.Sequence == 0 {
			return nil, err
		}
		slog.Error("crl: lazy rebuild failed, serving previous CRL", "issuer_id", issuerID, "error", err)
	}

	crlRow, err := s.store.CurrentCRL(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, cache.CRLKey(issuerID), crlRow.CRLBytes); err != nil {
		slog.Warn("crl: cache repopulate failed", "issuer_id", issuerID, "error", err)
	}
	return crlRow.CRLBytes, nil
}

func (s *Service) needsRebuild(info models.CRLInfo) bool {
	if info.Sequence == 0 || info.Dirty > 0 {
		return true
	}
	last, err := time.Parse(time.RFC3339, info.LastUpdate)
	if err != nil {
		return true
	}
	return time.Since(last) > s.cfg.RefreshInterval
}

// regenerate builds, signs and publishes the next CRL for the issuer.
// Callers that arrive while a build is in flight wait for and share its
// result instead of queueing another one.
func (s *Service) regenerate(ctx context.Context, issuerID string) ([]byte, error) {
	out, err, _ := s.group.Do(issuerID, func() (interface{}, error) {
		return s.buildAndStore(ctx, issuerID)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (s *Service) buildAndStore(ctx context.Context, issuerID string) ([]byte, error) {
	// Snapshot the bookkeeping first: sequence N must include every
	// revocation committed before this point.
	info, err := s.store.GetCRLInfo(ctx, issuerID)
	if err != nil {
		return nil, err
	}
	observedDirty := info.Dirty

	entries, err := s.store.ListRevocations(ctx, issuerID)
	if err != nil {
		return nil, err
	}

	signer, issuerCert, err := s.store.GetCASigner(ctx, issuerID)
	if err != nil {
		return nil, err
	}

	revoked := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		revokedAt, err := time.Parse(time.RFC3339, e.RevokedAt)
		if err != nil {
			slog.Warn("crl: unparsable revocation time, using now", "serial", e.Serial, "error", err)
			revokedAt = time.Now().UTC()
		}
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   big.NewInt(e.Serial),
			RevocationTime: revokedAt,
			ReasonCode:     reasonCode(e.Reason),
		})
	}

	now := time.Now().UTC()
	nextUpdate := now.Add(s.cfg.UpdateInterval)
	template := &x509.RevocationList{
		RevokedCertificateEntries: revoked,
		Number:                    big.NewInt(info.Sequence + 1),
		ThisUpdate:                now,
		NextUpdate:                nextUpdate,
	}

	// Signing is CPU-bound and runs outside any store transaction.
	crlBytes, err := x509.CreateRevocationList(rand.Reader, template, issuerCert, signer)
	if err != nil {
		return nil, fmt.Errorf("create revocation list: %w", err)
	}

	crlRow := models.CRLData{
		IssuerId:   issuerID,
		Sequence:   info.Sequence + 1,
		CRLBytes:   crlBytes,
		ThisUpdate: now.Format(time.RFC3339),
		NextUpdate: nextUpdate.Format(time.RFC3339),
		CreateTime: now.Format(time.RFC3339),
	}
	if err := s.store.StoreCRL(ctx, &crlRow, observedDirty); err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cache.CRLKey(issuerID), crlBytes); err != nil {
		slog.Warn("crl: cache warm failed", "issuer_id", issuerID, "error", err)
	}

	slog.Info("crl: published", "issuer_id", issuerID, "sequence", crlRow.Sequence, "entries", len(revoked))
	return crlBytes, nil
}

// StartRefresher regenerates the issuer's CRL on a fixed interval until
// the context is cancelled. Lazy rebuilds still happen in between.
func (s *Service) StartRefresher(ctx context.Context, issuerID string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if _, err := s.regenerate(ctx, issuerID); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("crl: initial generation failed", "issuer_id", issuerID, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.regenerate(ctx, issuerID); err != nil {
				slog.Error("crl: periodic generation failed", "issuer_id", issuerID, "error", err)
			}
		}
	}
}
