package models

// CA hierarchy levels
const (
	CALevelRoot = "root"
	CALevelSub  = "intermediate"
)

// CA lifecycle states
const (
	CAStatusActive  = 0
	CAStatusRotated = 1
	CAStatusExpired = 2
)

// CAData is one level of the CA hierarchy (root or intermediate).
// The private key is stored AES-GCM encrypted, the store is the only
// component that can open it.
type CAData struct {
	Id           string `json:"id" db:"id"`
	Level        string `json:"level" db:"level"`
	Subject      string `json:"subject" db:"subject"`
	PublicKey    string `json:"public_key" db:"public_key"`
	PrivateKey   []byte `json:"-" db:"private_key"`
	SerialNumber string `json:"serial_number" db:"serial_number"`
	NotBefore    string `json:"not_before" db:"not_before"`
	NotAfter     string `json:"not_after" db:"not_after"`
	ParentId     string `json:"parent_id" db:"parent_id"`
	CAStatus     int    `json:"ca_status" db:"ca_status"` // 0 - active, 1 - rotated, 2 - expired
	CreateTime   string `json:"create_time" db:"create_time"`
}

var SchemaCA = `
CREATE TABLE IF NOT EXISTS ca_certs (
	id TEXT PRIMARY KEY,
	level TEXT NOT NULL,
	subject TEXT NOT NULL,
	public_key TEXT NOT NULL,
	private_key BLOB NOT NULL,
	serial_number TEXT NOT NULL,
	not_before TEXT NOT NULL,
	not_after TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	ca_status INTEGER NOT NULL DEFAULT 0,
	create_time TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ca_certs_one_active_per_level
	ON ca_certs(level) WHERE ca_status = 0;`
