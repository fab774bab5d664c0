package store

import (
	"context"
	"crypto"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/models"
)

// SaveCA persists a new CA record with its sealed private key. The
// partial unique index on (level, active) rejects a second active CA at
// the same level with ErrConflict.
func (s *Store) SaveCA(ctx context.Context, ca *models.CAData, keyPEM []byte) error {
	sealed, err := s.keyEnc.seal(keyPEM)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, "save ca", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ca_certs (
				id, level, subject, public_key, private_key, serial_number,
				not_before, not_after, parent_id, ca_status, create_time
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ca.Id, ca.Level, ca.Subject, ca.PublicKey, sealed.Sealed(), ca.SerialNumber,
			ca.NotBefore, ca.NotAfter, ca.ParentId, ca.CAStatus, ca.CreateTime,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: active %s CA already exists", ErrConflict, ca.Level)
		}
		return err
	})
}

// GetActiveCA returns the active CA at the given level with the key
// material stripped.
func (s *Store) GetActiveCA(ctx context.Context, level string) (models.CAData, error) {
	var ca models.CAData
	err := s.db.GetContext(ctx, &ca,
		`SELECT * FROM ca_certs WHERE level = ? AND ca_status = ?`, level, models.CAStatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CAData{}, fmt.Errorf("%w: no active %s CA", ErrNotFound, level)
	}
	if err != nil {
		return models.CAData{}, err
	}
	ca.PrivateKey = nil
	return ca, nil
}

// GetCA returns the CA record by id with the key material stripped.
func (s *Store) GetCA(ctx context.Context, id string) (models.CAData, error) {
	var ca models.CAData
	err := s.db.GetContext(ctx, &ca, `SELECT * FROM ca_certs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CAData{}, fmt.Errorf("%w: issuer %s", ErrNotFound, id)
	}
	if err != nil {
		return models.CAData{}, err
	}
	ca.PrivateKey = nil
	return ca, nil
}

// GetCASigner opens the sealed CA key and returns it as a signer together
// with the parsed certificate. The raw key never crosses this boundary;
// signing does not mutate key state, so concurrent use is safe.
func (s *Store) GetCASigner(ctx context.Context, id string) (crypto.Signer, *x509.Certificate, error) {
	var ca models.CAData
	err := s.db.GetContext(ctx, &ca, `SELECT * FROM ca_certs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: issuer %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := s.keyEnc.open(EncryptedKey{ciphertext: ca.PrivateKey})
	if err != nil {
		return nil, nil, err
	}
	signer, err := crypts.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, err
	}
	cert, err := crypts.ParseCertificatePEM([]byte(ca.PublicKey))
	if err != nil {
		return nil, nil, err
	}
	return signer, cert, nil
}

// SetCAStatus transitions a CA record. CA rows are never deleted.
func (s *Store) SetCAStatus(ctx context.Context, id string, status int) error {
	return s.withRetry(ctx, "set ca status", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE ca_certs SET ca_status = ? WHERE id = ?`, status, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: issuer %s", ErrNotFound, id)
		}
		return nil
	})
}

// ExpireCAs marks every active CA whose not_after has passed.
func (s *Store) ExpireCAs(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ca_certs SET ca_status = ? WHERE ca_status = ? AND not_after < ?`,
		models.CAStatusExpired, models.CAStatusActive, now.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
