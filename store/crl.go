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

// GetCRLInfo returns the per-issuer CRL bookkeeping row, creating it on
// first use. Unknown issuers are rejected before any row is written.
func (s *Store) GetCRLInfo(ctx context.Context, issuerID string) (models.CRLInfo, error) {
	var info models.CRLInfo
	err := s.withRetry(ctx, "get crl info", func() error {
		var one int
		err := s.db.GetContext(ctx, &one, `SELECT 1 FROM ca_certs WHERE id = ?`, issuerID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: issuer %s", ErrNotFound, issuerID)
		}
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO crl_info (issuer_id) VALUES (?) ON CONFLICT(issuer_id) DO NOTHING`,
			issuerID); err != nil {
			return err
		}
		return s.db.GetContext(ctx, &info,
			`SELECT * FROM crl_info WHERE issuer_id = ?`, issuerID)
	})
	if err != nil {
		return models.CRLInfo{}, err
	}
	return info, nil
}

// StoreCRL publishes a freshly signed CRL. The sequence advance is
// guarded by an optimistic check against the sequence the build started
// from: a mismatch means two builds raced, which the single-flight layer
// is supposed to prevent, so it surfaces as ErrIntegrity. observedDirty
// revocations are consumed; ones that arrived mid-build stay pending.
func (s *Store) StoreCRL(ctx context.Context, crl *models.CRLData, observedDirty int) error {
	return s.withRetry(ctx, "store crl", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE crl_info SET
				sequence = ?,
				last_update = ?,
				next_update = ?,
				dirty = dirty - ?
			WHERE issuer_id = ? AND sequence = ?`,
			crl.Sequence, crl.ThisUpdate, crl.NextUpdate, observedDirty,
			crl.IssuerId, crl.Sequence-1)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			slog.Error("store: crl sequence race detected",
				"issuer_id", crl.IssuerId, "sequence", crl.Sequence)
			return fmt.Errorf("%w: crl sequence %d for issuer %s already taken",
				ErrIntegrity, crl.Sequence, crl.IssuerId)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO crls (issuer_id, sequence, crl_bytes, this_update, next_update, create_time)
			VALUES (?, ?, ?, ?, ?, ?)`,
			crl.IssuerId, crl.Sequence, crl.CRLBytes, crl.ThisUpdate, crl.NextUpdate, crl.CreateTime,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CurrentCRL returns the highest-sequence CRL for the issuer. Older
// sequences stay in the table for audit but are never served.
func (s *Store) CurrentCRL(ctx context.Context, issuerID string) (models.CRLData, error) {
	var crl models.CRLData
	err := s.db.GetContext(ctx, &crl,
		`SELECT * FROM crls WHERE issuer_id = ? ORDER BY sequence DESC LIMIT 1`, issuerID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CRLData{}, fmt.Errorf("%w: no CRL published for issuer %s", ErrNotFound, issuerID)
	}
	if err != nil {
		return models.CRLData{}, err
	}
	return crl, nil
}

// DeleteSupersededCRLs removes CRLs older than the cutoff, always keeping
// the current one regardless of age.
func (s *Store) DeleteSupersededCRLs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM crls WHERE create_time < ?
		AND sequence < (SELECT MAX(sequence) FROM crls c WHERE c.issuer_id = crls.issuer_id)`,
		cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
