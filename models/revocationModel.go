package models

// Revocation reasons accepted from operators. Mapped to RFC 5280 reason
// codes when a CRL is generated.
const (
	ReasonUnspecified   = "unspecified"
	ReasonSuperseded    = "superseded"
	ReasonKeyCompromise = "key_compromise"
	ReasonCessation     = "cessation"
)

// RevocationEntry is immutable once written; one row per revoked serial.
type RevocationEntry struct {
	IssuerId  string `json:"issuer_id" db:"issuer_id"`
	Serial    int64  `json:"serial" db:"serial"`
	RevokedAt string `json:"revoked_at" db:"revoked_at"`
	Reason    string `json:"reason" db:"reason"`
}

var SchemaRevocations = `
CREATE TABLE IF NOT EXISTS revocations (
	issuer_id TEXT NOT NULL,
	serial INTEGER NOT NULL,
	revoked_at TEXT NOT NULL,
	reason TEXT NOT NULL,
	PRIMARY KEY (issuer_id, serial)
);`
