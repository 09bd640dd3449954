package fiscal

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/mmdatafocus/resto_backend/utils"
	"github.com/sirupsen/logrus"
)

// AuthorityAPI is the outbound surface of the pipeline; tests substitute
// a fake, production uses AuthorityClient.
type AuthorityAPI interface {
	Enrol(ctx context.Context, csrPEM string) (*EnrolmentResponse, error)
	Submit(ctx context.Context, device deviceIdentity, payload []byte, signature, certPEM string) (*SubmissionResponse, error)
}

// EnrolmentService registers a tenant's device with the authority and
// persists the resulting credential bundle, encrypted.
type EnrolmentService struct {
	cfg      *config.FiscalConfig
	vault    *Vault
	client   AuthorityAPI
	profiles ProfileStore
	logger   *logrus.Logger
}

func NewEnrolmentService(cfg *config.FiscalConfig, vault *Vault, client AuthorityAPI, profiles ProfileStore, logger *logrus.Logger) *EnrolmentService {
	return &EnrolmentService{cfg: cfg, vault: vault, client: client, profiles: profiles, logger: logger}
}

// EnrolmentRequest carries the tenant and the mandated subject attributes.
type EnrolmentRequest struct {
	BusinessId string        `json:"business_id"`
	Subject    DeviceSubject `json:"subject"`
}

// Enrol runs the full handshake: generate keypair, build CSR, exchange it
// for certificates, encrypt and store everything as the tenant's new
// active profile. On any authority failure nothing is persisted; the
// generated key is discarded and a later retry starts from scratch.
//
// Re-enrolment is the supported recovery path: the previous active
// profile is deactivated in the same transaction that stores the new one,
// so there is no window with zero or two active profiles.
func (s *EnrolmentService) Enrol(ctx context.Context, req EnrolmentRequest) (*models.DeviceProfile, error) {
	if req.BusinessId == "" {
		return nil, NewConfigurationError("business id is required")
	}

	key, privPEM, _, err := GenerateSigningKeypair()
	if err != nil {
		return nil, err
	}

	csrPEM, err := BuildCSR(key, req.Subject)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Enrol(ctx, csrPEM)
	if err != nil {
		config.LogError(s.logger, "fiscal", "Enrol", "authority enrolment failed", req.BusinessId, err)
		return nil, err
	}

	serial, validFrom, validUntil, fingerprint, err := certificateMetadata(resp.Certificate)
	if err != nil {
		return nil, err
	}

	encKey, err := s.vault.Encrypt(privPEM)
	if err != nil {
		return nil, err
	}
	encCert, err := s.vault.Encrypt(resp.Certificate)
	if err != nil {
		return nil, err
	}
	encPsi := ""
	if resp.PsiCertificate != "" {
		if encPsi, err = s.vault.Encrypt(resp.PsiCertificate); err != nil {
			return nil, err
		}
	}

	profile := &models.DeviceProfile{
		BusinessId:  req.BusinessId,
		Environment: s.cfg.Environment,

		DeviceId:          resp.DeviceId,
		PartnerId:         s.cfg.PartnerId,
		CertificationCode: s.cfg.CertificationCode,
		SoftwareId:        s.cfg.SoftwareId,
		SoftwareVersion:   s.cfg.SoftwareVersion,
		ProtocolVersion:   s.cfg.ProtocolVersion,

		EncryptedPrivateKey:     encKey,
		EncryptedCertificate:    encCert,
		EncryptedPsiCertificate: encPsi,

		CertificateSerial: serial,
		ValidFrom:         validFrom,
		ValidUntil:        validUntil,
		Fingerprint:       fingerprint,

		IsActive: utils.NewTrue(),
	}

	if err := s.profiles.SaveNewActive(ctx, profile); err != nil {
		return nil, NewPersistenceError("store device profile", err)
	}
	return profile, nil
}

func certificateMetadata(certPEM string) (serial string, validFrom, validUntil time.Time, fingerprint string, err error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		err = NewProtocolError("BAD_CERTIFICATE", "authority certificate is not valid PEM")
		return
	}
	cert, perr := x509.ParseCertificate(block.Bytes)
	if perr != nil {
		err = NewProtocolError("BAD_CERTIFICATE", "authority certificate failed to parse")
		return
	}
	sum := sha256.Sum256(block.Bytes)
	return cert.SerialNumber.String(), cert.NotBefore, cert.NotAfter, hex.EncodeToString(sum[:]), nil
}
