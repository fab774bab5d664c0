package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/addspin/meshca/models"
)

// Revoke transitions the certificate to revoked and records the immutable
// revocation entry in the same transaction. A second revoke returns
// ErrAlreadyRevoked and does not touch revoked_at. The issuer's CRL
// bookkeeping row is marked dirty so the next CRL build picks it up.
func (s *Store) Revoke(ctx context.Context, issuerID string, serial int64, reason string) (models.RevocationEntry, error) {
	var entry models.RevocationEntry
	err := s.withRetry(ctx, "revoke", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var status int
		err = tx.GetContext(ctx, &status,
			`SELECT cert_status FROM certs WHERE issuer_id = ? AND serial = ?`, issuerID, serial)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: serial %d for issuer %s", ErrNotFound, serial, issuerID)
		}
		if err != nil {
			return err
		}
		if status == models.CertStatusRevoked {
			return fmt.Errorf("%w: serial %d", ErrAlreadyRevoked, serial)
		}

		entry = models.RevocationEntry{
			IssuerId:  issuerID,
			Serial:    serial,
			RevokedAt: time.Now().UTC().Format(time.RFC3339),
			Reason:    reason,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO revocations (issuer_id, serial, revoked_at, reason) VALUES (?, ?, ?, ?)`,
			entry.IssuerId, entry.Serial, entry.RevokedAt, entry.Reason); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE certs SET cert_status = ? WHERE issuer_id = ? AND serial = ?`,
			models.CertStatusRevoked, issuerID, serial); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO crl_info (issuer_id, dirty) VALUES (?, 1)
			 ON CONFLICT(issuer_id) DO UPDATE SET dirty = dirty + 1`, issuerID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return models.RevocationEntry{}, err
	}
	return entry, nil
}

// ListRevocations returns the revocation entries for an issuer ordered by
// serial, the snapshot a CRL build works from.
func (s *Store) ListRevocations(ctx context.Context, issuerID string) ([]models.RevocationEntry, error) {
	entries := []models.RevocationEntry{}
	err := s.db.SelectContext(ctx, &entries,
		`SELECT * FROM revocations WHERE issuer_id = ? ORDER BY serial`, issuerID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
