package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/addspin/meshca/models"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Error taxonomy surfaced by the store. Callers match with errors.Is.
var (
	// ErrNotFound - unknown serial, issuer, or package id.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRevoked - the certificate status is already revoked.
	ErrAlreadyRevoked = errors.New("certificate already revoked")
	// ErrConflict - a uniqueness rule was violated (e.g. second active CA
	// at the same level).
	ErrConflict = errors.New("conflict")
	// ErrIntegrity - a broken invariant (serial collision, sequence race).
	// Logged at error level, never swallowed.
	ErrIntegrity = errors.New("integrity violation")
	// ErrUnavailable - the database stayed busy past the retry budget.
	ErrUnavailable = errors.New("storage unavailable")
)

const (
	busyRetries = 3
	busyBackoff = 50 * time.Millisecond
)

// Store is the sole authority over serial allocation, status transitions
// and encrypted-at-rest key material.
type Store struct {
	db     *sqlx.DB
	keyEnc keyCipher
}

// New wires a Store over an open database. The keystore key encrypts
// every private key before it touches disk.
func New(db *sqlx.DB, keystoreKey []byte) *Store {
	return &Store{
		db:     db,
		keyEnc: keyCipher{key: keystoreKey},
	}
}

// InitSchema creates all tables. Safe to call on every startup.
func (s *Store) InitSchema() error {
	for _, schema := range []string{
		models.SchemaCA,
		models.SchemaCerts,
		models.SchemaSerialCounters,
		models.SchemaRevocations,
		models.SchemaCRLInfo,
		models.SchemaCRLs,
		models.SchemaDataPackages,
	} {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// withRetry retries fn over transient sqlite busy/locked errors, then
// surfaces ErrUnavailable. Permanent errors pass through on first failure.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * busyBackoff):
			}
		}
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		slog.Warn("store: transient database error, retrying", "op", op, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
