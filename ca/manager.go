package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/addspin/meshca/crypts"
	"github.com/addspin/meshca/models"
	"github.com/addspin/meshca/store"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

var (
	// ErrRootAlreadyExists - bootstrap was called while an active root exists.
	ErrRootAlreadyExists = errors.New("active root CA already exists")
	// ErrNoActiveRoot - an intermediate was requested without an active root.
	ErrNoActiveRoot = errors.New("no active root CA")
	// ErrValidityExceedsParent - the requested validity outlives the parent CA.
	ErrValidityExceedsParent = errors.New("validity exceeds parent CA")
	// ErrCANotActive - the signing CA is rotated, expired, or missing.
	ErrCANotActive = errors.New("CA is not active")
)

// Subject describes the distinguished name of a CA certificate.
type Subject struct {
	CommonName       string
	CountryName      string
	StateProvince    string
	LocalityName     string
	Organization     string
	OrganizationUnit string
	Email            string
}

// SubjectFromViper reads a CA subject from the config section with the
// given prefix (root_ca, sub_ca).
func SubjectFromViper(prefix string) Subject {
	return Subject{
		CommonName:       viper.GetString(prefix + ".commonName"),
		CountryName:      viper.GetString(prefix + ".countryName"),
		StateProvince:    viper.GetString(prefix + ".stateProvince"),
		LocalityName:     viper.GetString(prefix + ".localityName"),
		Organization:     viper.GetString(prefix + ".organization"),
		OrganizationUnit: viper.GetString(prefix + ".organizationUnit"),
		Email:            viper.GetString(prefix + ".email"),
	}
}

func (s Subject) pkixName() pkix.Name {
	name := pkix.Name{
		CommonName:         s.CommonName,
		Country:            []string{s.CountryName},
		Province:           []string{s.StateProvince},
		Locality:           []string{s.LocalityName},
		Organization:       []string{s.Organization},
		OrganizationalUnit: []string{s.OrganizationUnit},
	}
	if s.Email != "" {
		name.ExtraNames = []pkix.AttributeTypeAndValue{
			{
				Type:  []int{1, 2, 840, 113549, 1, 9, 1},
				Value: s.Email,
			},
		}
	}
	return name
}

// Config carries the key generation and CRL endpoint settings.
type Config struct {
	Algorithm  string
	RSAKeySize int
	ECDSACurve string
	CRLBaseURL string
}

// ConfigFromViper reads the manager configuration.
func ConfigFromViper() Config {
	return Config{
		Algorithm:  viper.GetString("keys.algorithm"),
		RSAKeySize: viper.GetInt("keys.rsa_key_size"),
		ECDSACurve: viper.GetString("keys.ecdsa_curve"),
		CRLBaseURL: viper.GetString("crl.crlURL"),
	}
}

// Manager owns the lifecycle of the CA hierarchy. All key material stays
// behind the store boundary; the manager only ever sees crypto.Signer.
type Manager struct {
	store *store.Store
	cfg   Config
}

func NewManager(st *store.Store, cfg Config) *Manager {
	return &Manager{store: st, cfg: cfg}
}

// randomCASerial picks a random 128-bit serial for CA certificates.
// Client serials come from the store counter instead.
func randomCASerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}
	return serial, nil
}

// BootstrapRoot creates the self-signed root of the hierarchy. Fails with
// ErrRootAlreadyExists while an active root is present.
func (m *Manager) BootstrapRoot(ctx context.Context, subj Subject, validityDays int) (models.CAData, error) {
	if _, err := m.store.GetActiveCA(ctx, models.CALevelRoot); err == nil {
		return models.CAData{}, ErrRootAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.CAData{}, err
	}

	key, err := crypts.GenerateKeyPair(m.cfg.Algorithm, m.cfg.RSAKeySize, m.cfg.ECDSACurve)
	if err != nil {
		return models.CAData{}, err
	}
	serial, err := randomCASerial()
	if err != nil {
		return models.CAData{}, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, validityDays)
	der, err := crypts.BuildCertificate(crypts.CertRequest{
		Serial:                serial,
		Subject:               subj.pkixName(),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		MaxPathLen:            1,
		CRLDistributionPoints: []string{m.cfg.CRLBaseURL},
	}, key.Public(), nil, key)
	if err != nil {
		return models.CAData{}, err
	}

	keyPEM, err := crypts.EncodePrivateKeyToPEM(key)
	if err != nil {
		return models.CAData{}, err
	}

	ca := models.CAData{
		Id:           uuid.NewString(),
		Level:        models.CALevelRoot,
		Subject:      subj.CommonName,
		PublicKey:    string(crypts.EncodeCertificateToPEM(der)),
		SerialNumber: fmt.Sprintf("%X", serial),
		NotBefore:    notBefore.Format(time.RFC3339),
		NotAfter:     notAfter.Format(time.RFC3339),
		CAStatus:     models.CAStatusActive,
		CreateTime:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.SaveCA(ctx, &ca, keyPEM); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.CAData{}, ErrRootAlreadyExists
		}
		return models.CAData{}, err
	}

	slog.Info("ca: root CA bootstrapped", "id", ca.Id, "subject", ca.Subject, "not_after", ca.NotAfter)
	return ca, nil
}

// IssueIntermediate signs a new intermediate under the active root. The
// requested validity must not outlive the root.
func (m *Manager) IssueIntermediate(ctx context.Context, subj Subject, validityDays int) (models.CAData, error) {
	root, err := m.store.GetActiveCA(ctx, models.CALevelRoot)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.CAData{}, ErrNoActiveRoot
		}
		return models.CAData{}, err
	}
	rootSigner, rootCert, err := m.store.GetCASigner(ctx, root.Id)
	if err != nil {
		return models.CAData{}, err
	}

	notBefore := time.Now().UTC()
	notAfter := notBefore.AddDate(0, 0, validityDays)
	if notAfter.After(rootCert.NotAfter) {
		return models.CAData{}, fmt.Errorf("%w: requested %s, root expires %s",
			ErrValidityExceedsParent, notAfter.Format(time.RFC3339), rootCert.NotAfter.Format(time.RFC3339))
	}

	key, err := crypts.GenerateKeyPair(m.cfg.Algorithm, m.cfg.RSAKeySize, m.cfg.ECDSACurve)
	if err != nil {
		return models.CAData{}, err
	}
	serial, err := randomCASerial()
	if err != nil {
		return models.CAData{}, err
	}

	der, err := crypts.BuildCertificate(crypts.CertRequest{
		Serial:                serial,
		Subject:               subj.pkixName(),
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		MaxPathLen:            0,
		CRLDistributionPoints: []string{m.cfg.CRLBaseURL},
	}, key.Public(), rootCert, rootSigner)
	if err != nil {
		return models.CAData{}, err
	}

	keyPEM, err := crypts.EncodePrivateKeyToPEM(key)
	if err != nil {
		return models.CAData{}, err
	}

	ca := models.CAData{
		Id:           uuid.NewString(),
		Level:        models.CALevelSub,
		Subject:      subj.CommonName,
		PublicKey:    string(crypts.EncodeCertificateToPEM(der)),
		SerialNumber: fmt.Sprintf("%X", serial),
		NotBefore:    notBefore.Format(time.RFC3339),
		NotAfter:     notAfter.Format(time.RFC3339),
		ParentId:     root.Id,
		CAStatus:     models.CAStatusActive,
		CreateTime:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.SaveCA(ctx, &ca, keyPEM); err != nil {
		return models.CAData{}, err
	}

	slog.Info("ca: intermediate CA issued", "id", ca.Id, "subject", ca.Subject, "parent_id", root.Id)
	return ca, nil
}

// Rotate marks the active CA at the given level rotated. Certificates
// already issued under it stay valid until their own expiry or explicit
// revocation; a fresh bootstrap/issue call reinstates service.
func (m *Manager) Rotate(ctx context.Context, level string) error {
	ca, err := m.store.GetActiveCA(ctx, level)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCANotActive
		}
		return err
	}
	if err := m.store.SetCAStatus(ctx, ca.Id, models.CAStatusRotated); err != nil {
		return err
	}
	slog.Info("ca: rotated", "id", ca.Id, "level", level)
	return nil
}

// SigningCA returns the CA client certificates are issued under: the
// active intermediate, or the root when no intermediate exists.
func (m *Manager) SigningCA(ctx context.Context) (models.CAData, error) {
	ca, err := m.store.GetActiveCA(ctx, models.CALevelSub)
	if err == nil {
		return ca, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.CAData{}, err
	}
	ca, err = m.store.GetActiveCA(ctx, models.CALevelRoot)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.CAData{}, ErrCANotActive
		}
		return models.CAData{}, err
	}
	return ca, nil
}

// Sign issues a leaf certificate under the given issuer. The issuer must
// still be active at signing time; signing itself runs outside any lock.
func (m *Manager) Sign(ctx context.Context, issuerID string, serial int64, subject string, pub crypto.PublicKey, notBefore, notAfter time.Time) ([]byte, string, error) {
	issuer, err := m.store.GetCA(ctx, issuerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrCANotActive
		}
		return nil, "", err
	}
	if issuer.CAStatus != models.CAStatusActive {
		return nil, "", fmt.Errorf("%w: issuer %s", ErrCANotActive, issuerID)
	}

	signer, issuerCert, err := m.store.GetCASigner(ctx, issuerID)
	if err != nil {
		return nil, "", err
	}

	der, err := crypts.BuildCertificate(crypts.CertRequest{
		Serial:                big.NewInt(serial),
		Subject:               pkix.Name{CommonName: subject, Organization: issuerCert.Subject.Organization},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		CRLDistributionPoints: []string{m.cfg.CRLBaseURL},
	}, pub, issuerCert, signer)
	if err != nil {
		return nil, "", err
	}
	return crypts.EncodeCertificateToPEM(der), crypts.Fingerprint(der), nil
}

// AnchorChain returns the active trust anchors, leaf-most first
// (intermediate then root when both exist).
func (m *Manager) AnchorChain(ctx context.Context) ([]models.CAData, error) {
	chain := []models.CAData{}
	sub, err := m.store.GetActiveCA(ctx, models.CALevelSub)
	if err == nil {
		chain = append(chain, sub)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	root, err := m.store.GetActiveCA(ctx, models.CALevelRoot)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && len(chain) > 0 {
			return chain, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCANotActive
		}
		return nil, err
	}
	return append(chain, root), nil
}
