package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/addspin/meshca/models"
)

// AllocateSerial hands out the next serial for the issuer. The counter
// only ever moves forward, so a serial allocated by an issuance that later
// fails is skipped, never reused. The increment is its own short
// transaction; signing happens outside it.
func (s *Store) AllocateSerial(ctx context.Context, issuerID string) (int64, error) {
	var serial int64
	err := s.withRetry(ctx, "allocate serial", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO serial_counters (issuer_id, next_serial) VALUES (?, 0)
			 ON CONFLICT(issuer_id) DO NOTHING`, issuerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE serial_counters SET next_serial = next_serial + 1 WHERE issuer_id = ?`,
			issuerID); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &serial,
			`SELECT next_serial FROM serial_counters WHERE issuer_id = ?`, issuerID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// PersistCertificate writes the certificate metadata and the sealed
// private key in one transaction: either the full record lands or nothing
// does. A duplicate serial means the counter invariant broke somewhere
// and is surfaced as ErrIntegrity.
func (s *Store) PersistCertificate(ctx context.Context, cert *models.CertData, keyPEM []byte) error {
	sealed, err := s.keyEnc.seal(keyPEM)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "persist certificate", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO certs (
				serial, issuer_id, subject, owner, public_key, private_key,
				fingerprint, not_before, not_after, cert_status, create_time
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cert.Serial, cert.IssuerId, cert.Subject, cert.Owner, cert.PublicKey, sealed.Sealed(),
			cert.Fingerprint, cert.NotBefore, cert.NotAfter, cert.CertStatus, cert.CreateTime,
		)
		if isUniqueViolation(err) {
			slog.Error("store: serial collision on persist",
				"issuer_id", cert.IssuerId, "serial", cert.Serial)
			return fmt.Errorf("%w: duplicate serial %d for issuer %s",
				ErrIntegrity, cert.Serial, cert.IssuerId)
		}
		return err
	})
}

// GetCertificate returns the issued certificate metadata, key stripped.
func (s *Store) GetCertificate(ctx context.Context, issuerID string, serial int64) (models.CertData, error) {
	var cert models.CertData
	err := s.db.GetContext(ctx, &cert,
		`SELECT * FROM certs WHERE issuer_id = ? AND serial = ?`, issuerID, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CertData{}, fmt.Errorf("%w: serial %d for issuer %s", ErrNotFound, serial, issuerID)
	}
	if err != nil {
		return models.CertData{}, err
	}
	cert.PrivateKey = nil
	return cert, nil
}

// ClientBundle returns the certificate together with its decrypted
// private key PEM for data package assembly.
func (s *Store) ClientBundle(ctx context.Context, issuerID string, serial int64) (models.CertData, []byte, error) {
	var cert models.CertData
	err := s.db.GetContext(ctx, &cert,
		`SELECT * FROM certs WHERE issuer_id = ? AND serial = ?`, issuerID, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CertData{}, nil, fmt.Errorf("%w: serial %d for issuer %s", ErrNotFound, serial, issuerID)
	}
	if err != nil {
		return models.CertData{}, nil, err
	}

	keyPEM, err := s.keyEnc.open(EncryptedKey{ciphertext: cert.PrivateKey})
	if err != nil {
		return models.CertData{}, nil, err
	}
	cert.PrivateKey = nil
	return cert, keyPEM, nil
}

// ListCertificatesByOwner returns issued certificates for an owner,
// newest first.
func (s *Store) ListCertificatesByOwner(ctx context.Context, owner string) ([]models.CertData, error) {
	certs := []models.CertData{}
	err := s.db.SelectContext(ctx, &certs,
		`SELECT * FROM certs WHERE owner = ? ORDER BY create_time DESC`, owner)
	if err != nil {
		return nil, err
	}
	for i := range certs {
		certs[i].PrivateKey = nil
	}
	return certs, nil
}

// ExpireCertificates marks every valid certificate whose not_after has
// passed. Revoked certificates keep their status.
func (s *Store) ExpireCertificates(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE certs SET cert_status = ? WHERE cert_status = ? AND not_after < ?`,
		models.CertStatusExpired, models.CertStatusValid, now.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
