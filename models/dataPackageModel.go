package models

// Data package kinds: full carries the client identity, basic only the
// trust material and connection profile.
const (
	PackageTypeFull  = "full"
	PackageTypeBasic = "basic"
)

// Data package states
const (
	PackageStatusBuilt     = 0
	PackageStatusDelivered = 1
	PackageStatusExpired   = 2
)

// DataPackageData is derived output: it can always be rebuilt from the
// referenced certificate and the CA/CRL state it was built against.
type DataPackageData struct {
	Id               string `json:"id" db:"id"`
	IssuerId         string `json:"issuer_id" db:"issuer_id"`
	Serial           int64  `json:"certificate_serial" db:"serial"`
	Owner            string `json:"owner" db:"owner"`
	PackageType      string `json:"package_type" db:"package_type"`
	Archive          []byte `json:"-" db:"archive"`
	ManifestChecksum string `json:"manifest_checksum" db:"manifest_checksum"`
	PackageStatus    int    `json:"package_status" db:"package_status"` // 0 - built, 1 - delivered, 2 - expired
	CreateTime       string `json:"create_time" db:"create_time"`
}

var SchemaDataPackages = `
CREATE TABLE IF NOT EXISTS data_packages (
	id TEXT PRIMARY KEY,
	issuer_id TEXT NOT NULL,
	serial INTEGER NOT NULL,
	owner TEXT NOT NULL,
	package_type TEXT NOT NULL,
	archive BLOB NOT NULL,
	manifest_checksum TEXT NOT NULL,
	package_status INTEGER NOT NULL DEFAULT 0,
	create_time TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS data_packages_serial ON data_packages(issuer_id, serial);`
