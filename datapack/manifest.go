package datapack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Manifest lists every archive entry with its content checksum plus the
// build identity. CreatedAt is informational only and excluded from the
// checksum scope so that rebuilding unchanged content stays idempotent.
type Manifest struct {
	PackageUID  string            `json:"package_uid"`
	IssuerId    string            `json:"issuer_id"`
	Serial      int64             `json:"certificate_serial"`
	Owner       string            `json:"owner"`
	PackageType string            `json:"package_type"`
	Entries     map[string]string `json:"entries"`
	CreatedAt   string            `json:"created_at"`
}

// Checksum hashes the manifest with the timestamp blanked. json.Marshal
// emits map keys in sorted order, so the serialization is canonical.
func (m Manifest) Checksum() (string, error) {
	scoped := m
	scoped.CreatedAt = ""
	buf, err := json.Marshal(scoped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

func entryChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
