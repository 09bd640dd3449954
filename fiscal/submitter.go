package fiscal

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/sirupsen/logrus"
)

// Submitter signs canonical payloads and drives them to the authority.
// It is the only component that ever sees plaintext key material, and
// only for the duration of one signing call.
type Submitter struct {
	cfg      *config.FiscalConfig
	vault    *Vault
	client   AuthorityAPI
	profiles ProfileStore
	sessions SessionStore
	closings ClosingStore
	audit    AuditStore
	queue    *QueueEngine
	logger   *logrus.Logger

	// Swappable for tests; defaults to the Pub/Sub publisher.
	publishOutcome func(ctx context.Context, msg config.FiscalOutcomeMessage) (string, error)
}

func NewSubmitter(
	cfg *config.FiscalConfig,
	vault *Vault,
	client AuthorityAPI,
	profiles ProfileStore,
	sessions SessionStore,
	closings ClosingStore,
	audit AuditStore,
	queue *QueueEngine,
	logger *logrus.Logger,
) *Submitter {
	return &Submitter{
		cfg:            cfg,
		vault:          vault,
		client:         client,
		profiles:       profiles,
		sessions:       sessions,
		closings:       closings,
		audit:          audit,
		queue:          queue,
		logger:         logger,
		publishOutcome: config.PublishFiscalOutcome,
	}
}

// Process handles one fiscal event end to end.
//
// With an open offline session on the branch, the event goes straight to
// the queue. Otherwise it is submitted directly; a retryable failure
// falls back to the queue (the caller gets a Queued outcome, not an
// error), while a fatal failure is returned to the caller.
func (s *Submitter) Process(ctx context.Context, event Event) (*SubmissionOutcome, error) {
	profile, err := s.profiles.ActiveProfile(ctx, event.BusinessId, s.cfg.Environment)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, NewConfigurationError("tenant has no active device profile; enrol first")
		}
		return nil, NewPersistenceError("load device profile", err)
	}

	payload, err := BuildCanonicalTransaction(profile, event)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.OpenForBranch(ctx, event.BusinessId, event.BranchId)
	if err != nil {
		return nil, NewPersistenceError("check offline session", err)
	}
	if session != nil {
		created, err := s.enqueue(ctx, event, payload)
		if err != nil {
			return nil, err
		}
		if created {
			if err := s.sessions.IncrementEventCount(ctx, session.ID); err != nil {
				config.LogError(s.logger, "fiscal", "Process", "increment session event count", session.ID, err)
			}
		}
		return &SubmissionOutcome{Queued: true}, nil
	}

	confirmationId, err := s.submitSigned(ctx, profile, payload, event.Kind, event.ReferenceId, event.BranchId, event.BusinessId, event.CorrelationId)
	if err == nil {
		s.afterConfirmed(ctx, event.BusinessId, event.BranchId, event.Kind, event.ReferenceId, confirmationId, event.CorrelationId)
		return &SubmissionOutcome{Submitted: true, ConfirmationId: confirmationId}, nil
	}

	if Retryable(err) {
		if _, qerr := s.enqueue(ctx, event, payload); qerr != nil {
			return nil, qerr
		}
		return &SubmissionOutcome{
			Queued:       true,
			ErrorCode:    CodeOf(err),
			ErrorMessage: err.Error(),
		}, nil
	}
	return &SubmissionOutcome{ErrorCode: CodeOf(err), ErrorMessage: err.Error()}, err
}

// SubmitEntry re-drives a queued entry. The payload was frozen at enqueue
// time; only the signature is recomputed. Called by the queue engine with
// the entry already claimed.
func (s *Submitter) SubmitEntry(ctx context.Context, entry *models.FiscalQueueEntry) (string, error) {
	profile, err := s.profiles.ActiveProfile(ctx, entry.BusinessId, s.cfg.Environment)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return "", NewConfigurationError("tenant has no active device profile")
		}
		return "", NewPersistenceError("load device profile", err)
	}

	confirmationId, err := s.submitSigned(ctx, profile, entry.Payload, entry.ReferenceType, entry.ReferenceId, entry.BranchId, entry.BusinessId, "")
	if err != nil {
		return "", err
	}
	s.afterConfirmed(ctx, entry.BusinessId, entry.BranchId, entry.ReferenceType, entry.ReferenceId, confirmationId, "")
	return confirmationId, nil
}

func (s *Submitter) enqueue(ctx context.Context, event Event, payload []byte) (bool, error) {
	_, created, err := s.queue.Enqueue(ctx, event, payload)
	if err != nil {
		return false, err
	}
	return created, nil
}

// submitSigned decrypts the device key, signs the payload, performs the
// authority call and appends the audit row. The audit write is
// best-effort: a failed audit insert is logged but never fails or blocks
// the submission whose outcome it records.
func (s *Submitter) submitSigned(
	ctx context.Context,
	profile *models.DeviceProfile,
	payload []byte,
	kind models.FiscalTransactionKind,
	referenceId, branchId int,
	businessId, correlationId string,
) (string, error) {
	sum := sha256.Sum256(payload)
	fingerprint := hex.EncodeToString(sum[:])

	privPEM, err := s.vault.Decrypt(profile.EncryptedPrivateKey)
	if err != nil {
		return "", NewConfigurationError("device private key is unreadable: " + err.Error())
	}
	key, err := ParseSigningKey(privPEM)
	if err != nil {
		return "", err
	}
	signature, err := ecdsa.SignASN1(rand.Reader, key, sum[:])
	if err != nil {
		return "", err
	}
	certPEM, err := s.vault.Decrypt(profile.EncryptedCertificate)
	if err != nil {
		return "", NewConfigurationError("device certificate is unreadable: " + err.Error())
	}

	started := time.Now()
	resp, submitErr := s.client.Submit(ctx,
		deviceIdentity{DeviceId: profile.DeviceId, ProtocolVersion: profile.ProtocolVersion},
		payload, base64.StdEncoding.EncodeToString(signature), certPEM)
	latency := time.Since(started).Milliseconds()

	row := &models.FiscalAuditLog{
		BusinessId:         businessId,
		BranchId:           branchId,
		ReferenceType:      kind,
		ReferenceId:        referenceId,
		RequestFingerprint: fingerprint,
		LatencyMs:          latency,
		CorrelationId:      correlationId,
	}
	if submitErr != nil {
		row.Success = false
		row.ResponseCode = CodeOf(submitErr)
		row.ErrorMessage = submitErr.Error()
	} else {
		row.Success = true
		row.ResponseCode = "OK"
	}
	if auditErr := s.audit.Append(ctx, row); auditErr != nil {
		config.LogError(s.logger, "fiscal", "submitSigned", "audit append failed", fingerprint, auditErr)
	}

	if submitErr != nil {
		return "", submitErr
	}
	return resp.ConfirmationId, nil
}

// afterConfirmed records domain side effects of a confirmed submission.
// Both are best-effort: the authority confirmation is already durable in
// the queue row and the audit trail.
func (s *Submitter) afterConfirmed(ctx context.Context, businessId string, branchId int, kind models.FiscalTransactionKind, referenceId int, confirmationId, correlationId string) {
	if kind == models.FiscalTransactionKindDailyClosing {
		if err := s.closings.SetConfirmation(ctx, businessId, referenceId, confirmationId); err != nil {
			config.LogError(s.logger, "fiscal", "afterConfirmed", "record closing confirmation", referenceId, err)
		}
	}

	msg := config.FiscalOutcomeMessage{
		BusinessId:     businessId,
		BranchId:       branchId,
		ReferenceType:  string(kind),
		ReferenceId:    referenceId,
		ConfirmationId: confirmationId,
		SubmittedAt:    time.Now().UTC(),
		CorrelationId:  correlationId,
	}
	publish := s.publishOutcome
	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := publish(pctx, msg); err != nil {
			config.LogError(s.logger, "fiscal", "afterConfirmed", "publish outcome", msg.ReferenceId, err)
		}
	}()
}
