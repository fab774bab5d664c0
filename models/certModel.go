package models

// Issued certificate states
const (
	CertStatusValid   = 0
	CertStatusExpired = 1
	CertStatusRevoked = 2
)

// CertData is an issued client identity. Serials are allocated per issuing
// CA from serial_counters and are never reused, revoked or not.
type CertData struct {
	Serial      int64  `json:"serial" db:"serial"`
	IssuerId    string `json:"issuer_id" db:"issuer_id"`
	Subject     string `json:"subject" db:"subject"`
	Owner       string `json:"owner" db:"owner"`
	PublicKey   string `json:"public_key" db:"public_key"`
	PrivateKey  []byte `json:"-" db:"private_key"`
	Fingerprint string `json:"fingerprint" db:"fingerprint"`
	NotBefore   string `json:"not_before" db:"not_before"`
	NotAfter    string `json:"not_after" db:"not_after"`
	CertStatus  int    `json:"cert_status" db:"cert_status"` // 0 - valid, 1 - expired, 2 - revoked
	CreateTime  string `json:"create_time" db:"create_time"`
}

var SchemaCerts = `
CREATE TABLE IF NOT EXISTS certs (
	serial INTEGER NOT NULL,
	issuer_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	owner TEXT NOT NULL,
	public_key TEXT NOT NULL,
	private_key BLOB NOT NULL,
	fingerprint TEXT NOT NULL,
	not_before TEXT NOT NULL,
	not_after TEXT NOT NULL,
	cert_status INTEGER NOT NULL DEFAULT 0,
	create_time TEXT NOT NULL,
	PRIMARY KEY (issuer_id, serial)
);`

var SchemaSerialCounters = `
CREATE TABLE IF NOT EXISTS serial_counters (
	issuer_id TEXT PRIMARY KEY,
	next_serial INTEGER NOT NULL DEFAULT 0
);`
