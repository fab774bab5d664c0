package datapack

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/addspin/meshca/ca"
	"github.com/addspin/meshca/crl"
	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/store"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"software.sslmate.com/src/go-pkcs12"
)

// ErrTampered - the archive content no longer matches its manifest.
var ErrTampered = errors.New("data package tampered")

// Archive entry names. Clients rely on these exact names.
const (
	EntryClientKey  = "client.key"
	EntryClientCert = "client.crt"
	EntryTruststore = "truststore"
	EntryCRL        = "revoked.crl"
	EntryProfile    = "connection.profile"
	EntryManifest   = "manifest.json"
)

// packageNamespace seeds the deterministic package UID so that rebuilding
// an unchanged package yields the same identity.
var packageNamespace = uuid.MustParse("5f4ee3ec-0c44-4303-ae54-9d9852a0a0ef")

// Config carries the connection profile target and packaging settings.
type Config struct {
	MeshHost           string
	MeshPort           int
	MeshProtocol       string
	TruststorePassword string
	PackageType        string
}

// ConfigFromViper reads the data package settings.
func ConfigFromViper() Config {
	return Config{
		MeshHost:           viper.GetString("mesh.host"),
		MeshPort:           viper.GetInt("mesh.port"),
		MeshProtocol:       viper.GetString("mesh.protocol"),
		TruststorePassword: viper.GetString("data_package.truststore_password"),
		PackageType:        viper.GetString("data_package.type"),
	}
}

// Builder assembles the self-contained onboarding archive a client
// imports: identity, trust anchors, revocation snapshot, connection
// profile, and a checksummed manifest.
type Builder struct {
	store *store.Store
	caman *ca.Manager
	crl   *crl.Service
	cfg   Config
}

func NewBuilder(st *store.Store, caman *ca.Manager, crlSvc *crl.Service, cfg Config) *Builder {
	return &Builder{store: st, caman: caman, crl: crlSvc, cfg: cfg}
}

// Build assembles the archive for an issued serial and persists it.
// Rebuilding under unchanged CA/CRL state produces a byte-identical
// archive; only the manifest's created_at timestamp differs, and it is
// outside the checksum scope.
func (b *Builder) Build(ctx context.Context, issuerID string, serial int64) (models.DataPackageData, error) {
	cert, keyPEM, err := b.store.ClientBundle(ctx, issuerID, serial)
	if err != nil {
		return models.DataPackageData{}, err
	}

	anchors, err := b.caman.AnchorChain(ctx)
	if err != nil {
		return models.DataPackageData{}, err
	}
	anchorCerts := make([]*x509.Certificate, 0, len(anchors))
	for _, a := range anchors {
		parsed, err := crypts.ParseCertificatePEM([]byte(a.PublicKey))
		if err != nil {
			return models.DataPackageData{}, err
		}
		anchorCerts = append(anchorCerts, parsed)
	}

	crlBytes, err := b.crl.CurrentCRL(ctx, issuerID)
	if err != nil {
		return models.DataPackageData{}, err
	}

	profile, err := renderProfile(b.cfg.MeshHost, b.cfg.MeshPort, b.cfg.MeshProtocol, cert.Subject)
	if err != nil {
		return models.DataPackageData{}, err
	}

	// The truststore salts come from a content-derived stream, so the
	// PKCS#12 bytes are stable across rebuilds of the same chain.
	truststore, err := pkcs12.EncodeTrustStore(
		newDeterministicReader(anchorCerts), anchorCerts, b.cfg.TruststorePassword)
	if err != nil {
		return models.DataPackageData{}, fmt.Errorf("encode truststore: %w", err)
	}

	type entry struct {
		name    string
		content []byte
	}
	entries := []entry{
		{EntryClientCert, []byte(cert.PublicKey)},
		{EntryClientKey, keyPEM},
		{EntryTruststore, truststore},
		{EntryCRL, crlBytes},
		{EntryProfile, profile},
	}
	if b.cfg.PackageType == models.PackageTypeBasic {
		entries = entries[2:]
	}

	manifest := Manifest{
		IssuerId:    issuerID,
		Serial:      serial,
		Owner:       cert.Owner,
		PackageType: b.cfg.PackageType,
		Entries:     make(map[string]string, len(entries)),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range entries {
		manifest.Entries[e.name] = entryChecksum(e.content)
	}
	manifest.PackageUID = packageUID(issuerID, serial, manifest.Entries)

	checksum, err := manifest.Checksum()
	if err != nil {
		return models.DataPackageData{}, err
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return models.DataPackageData{}, err
	}

	// Fixed entry timestamps keep the zip byte-identical across rebuilds.
	stamp, err := time.Parse(time.RFC3339, cert.NotBefore)
	if err != nil {
		return models.DataPackageData{}, fmt.Errorf("parse certificate not_before: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range append(entries, entry{EntryManifest, manifestJSON}) {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: stamp,
		})
		if err != nil {
			return models.DataPackageData{}, fmt.Errorf("create archive entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.content); err != nil {
			return models.DataPackageData{}, fmt.Errorf("write archive entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return models.DataPackageData{}, fmt.Errorf("close archive: %w", err)
	}

	pkg := models.DataPackageData{
		Id:               manifest.PackageUID,
		IssuerId:         issuerID,
		Serial:           serial,
		Owner:            cert.Owner,
		PackageType:      b.cfg.PackageType,
		Archive:          buf.Bytes(),
		ManifestChecksum: checksum,
		PackageStatus:    models.PackageStatusBuilt,
		CreateTime:       time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.store.SaveDataPackage(ctx, &pkg); err != nil {
		return models.DataPackageData{}, err
	}

	slog.Info("datapack: package built",
		"package_id", pkg.Id, "issuer_id", issuerID, "serial", serial,
		"owner", cert.Owner, "entries", len(entries)+1, "bytes", len(pkg.Archive))
	return pkg, nil
}

// Verify recomputes every entry checksum and the manifest checksum of a
// stored package. Any mismatch is ErrTampered, logged and never
// swallowed: it signals a broken integrity invariant.
func (b *Builder) Verify(pkg models.DataPackageData) error {
	zr, err := zip.NewReader(bytes.NewReader(pkg.Archive), int64(len(pkg.Archive)))
	if err != nil {
		return fmt.Errorf("%w: unreadable archive: %v", ErrTampered, err)
	}

	contents := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: entry %s unreadable: %v", ErrTampered, f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("%w: entry %s unreadable: %v", ErrTampered, f.Name, err)
		}
		contents[f.Name] = data
	}

	manifestJSON, ok := contents[EntryManifest]
	if !ok {
		return fmt.Errorf("%w: manifest missing", ErrTampered)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return fmt.Errorf("%w: manifest unparsable: %v", ErrTampered, err)
	}

	for name, want := range manifest.Entries {
		content, ok := contents[name]
		if !ok {
			slog.Error("datapack: manifest entry missing from archive", "package_id", pkg.Id, "entry", name)
			return fmt.Errorf("%w: entry %s missing", ErrTampered, name)
		}
		if got := entryChecksum(content); got != want {
			slog.Error("datapack: entry checksum mismatch", "package_id", pkg.Id, "entry", name)
			return fmt.Errorf("%w: entry %s checksum mismatch", ErrTampered, name)
		}
	}

	checksum, err := manifest.Checksum()
	if err != nil {
		return err
	}
	if checksum != pkg.ManifestChecksum {
		slog.Error("datapack: manifest checksum mismatch", "package_id", pkg.Id)
		return fmt.Errorf("%w: manifest checksum mismatch", ErrTampered)
	}
	return nil
}

// packageUID derives a stable UUID from the package content identity.
func packageUID(issuerID string, serial int64, entries map[string]string) string {
	var seed bytes.Buffer
	seed.WriteString(issuerID)
	binary.Write(&seed, binary.BigEndian, serial)
	// json.Marshal sorts map keys, giving a canonical entry serialization
	buf, _ := json.Marshal(entries)
	seed.Write(buf)
	return uuid.NewSHA1(packageNamespace, seed.Bytes()).String()
}

// deterministicReader yields a SHA-256 counter stream seeded by the trust
// chain, standing in for crypto/rand where reproducible output matters.
type deterministicReader struct {
	seed    [32]byte
	counter uint64
	pending []byte
}

func newDeterministicReader(certs []*x509.Certificate) *deterministicReader {
	h := sha256.New()
	for _, c := range certs {
		h.Write(c.Raw)
	}
	var seed [32]byte
	copy(seed[:], h.Sum(nil))
	return &deterministicReader{seed: seed}
}

func (r *deterministicReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if len(r.pending) == 0 {
			var ctr [8]byte
			binary.BigEndian.PutUint64(ctr[:], r.counter)
			r.counter++
			block := sha256.Sum256(append(r.seed[:], ctr[:]...))
			r.pending = block[:]
		}
		c := copy(p[n:], r.pending)
		r.pending = r.pending[c:]
		n += c
	}
	return n, nil
}
