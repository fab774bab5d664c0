package models

// CRLInfo is the per-issuer CRL bookkeeping row. Sequence increments by
// exactly one per published CRL. Dirty is set by a revocation and cleared
// when the regeneration that observed it commits.
type CRLInfo struct {
	IssuerId   string `json:"issuer_id" db:"issuer_id"`
	Sequence   int64  `json:"sequence" db:"sequence"`
	LastUpdate string `json:"last_update" db:"last_update"`
	NextUpdate string `json:"next_update" db:"next_update"`
	Dirty      int    `json:"dirty" db:"dirty"`
}

// CRLData is one published CRL. Older sequences are retained for audit,
// only the highest sequence per issuer is served as current.
type CRLData struct {
	IssuerId   string `json:"issuer_id" db:"issuer_id"`
	Sequence   int64  `json:"sequence" db:"sequence"`
	CRLBytes   []byte `json:"-" db:"crl_bytes"`
	ThisUpdate string `json:"this_update" db:"this_update"`
	NextUpdate string `json:"next_update" db:"next_update"`
	CreateTime string `json:"create_time" db:"create_time"`
}

var SchemaCRLInfo = `
CREATE TABLE IF NOT EXISTS crl_info (
	issuer_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL DEFAULT 0,
	last_update TEXT NOT NULL DEFAULT '',
	next_update TEXT NOT NULL DEFAULT '',
	dirty INTEGER NOT NULL DEFAULT 0
);`

var SchemaCRLs = `
CREATE TABLE IF NOT EXISTS crls (
	issuer_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	crl_bytes BLOB NOT NULL,
	this_update TEXT NOT NULL,
	next_update TEXT NOT NULL,
	create_time TEXT NOT NULL,
	PRIMARY KEY (issuer_id, sequence)
);`
