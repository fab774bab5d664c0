package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/addspin/meshca/models"
)

// SaveDataPackage stores a built archive. Rebuilding an unchanged package
// produces the same deterministic id, so the row is replaced in place.
func (s *Store) SaveDataPackage(ctx context.Context, pkg *models.DataPackageData) error {
	return s.withRetry(ctx, "save data package", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO data_packages (
				id, issuer_id, serial, owner, package_type, archive,
				manifest_checksum, package_status, create_time
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pkg.Id, pkg.IssuerId, pkg.Serial, pkg.Owner, pkg.PackageType, pkg.Archive,
			pkg.ManifestChecksum, pkg.PackageStatus, pkg.CreateTime,
		)
		return err
	})
}

// GetDataPackage returns the archive by package id.
func (s *Store) GetDataPackage(ctx context.Context, id string) (models.DataPackageData, error) {
	var pkg models.DataPackageData
	err := s.db.GetContext(ctx, &pkg, `SELECT * FROM data_packages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DataPackageData{}, fmt.Errorf("%w: data package %s", ErrNotFound, id)
	}
	if err != nil {
		return models.DataPackageData{}, err
	}
	return pkg, nil
}

// GetDataPackageBySerial returns the newest package built for a serial.
func (s *Store) GetDataPackageBySerial(ctx context.Context, issuerID string, serial int64) (models.DataPackageData, error) {
	var pkg models.DataPackageData
	err := s.db.GetContext(ctx, &pkg, `
		SELECT * FROM data_packages WHERE issuer_id = ? AND serial = ?
		ORDER BY create_time DESC LIMIT 1`, issuerID, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DataPackageData{}, fmt.Errorf("%w: no data package for serial %d", ErrNotFound, serial)
	}
	if err != nil {
		return models.DataPackageData{}, err
	}
	return pkg, nil
}

// MarkPackageDelivered records that the archive was handed to a client.
func (s *Store) MarkPackageDelivered(ctx context.Context, id string) error {
	return s.withRetry(ctx, "mark package delivered", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE data_packages SET package_status = ? WHERE id = ?`,
			models.PackageStatusDelivered, id)
		return err
	})
}

// DeleteExpiredPackages garbage-collects packages older than the cutoff.
// Packages are derived output and can always be rebuilt.
func (s *Store) DeleteExpiredPackages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM data_packages WHERE create_time < ?`, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
