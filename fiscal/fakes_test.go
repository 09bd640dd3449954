package fiscal

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/mmdatafocus/resto_backend/utils"
	"github.com/sirupsen/logrus"
)

// memStore is an in-memory implementation of every store interface, used
// to exercise the pipeline without a database.
type memStore struct {
	mu sync.Mutex

	profiles []*models.DeviceProfile
	entries  []*models.FiscalQueueEntry
	audits   []models.FiscalAuditLog
	sessions []*models.OfflineSession
	closings []*models.DailyClosing

	nextId int

	auditErr error
}

func newMemStore() *memStore {
	return &memStore{}
}

func (m *memStore) id() int {
	m.nextId++
	return m.nextId
}

func (m *memStore) ActiveProfile(_ context.Context, businessId, environment string) (*models.DeviceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.profiles) - 1; i >= 0; i-- {
		p := m.profiles[i]
		if p.BusinessId == businessId && p.Environment == environment && p.IsActive != nil && *p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProfileNotFound
}

func (m *memStore) SaveNewActive(_ context.Context, profile *models.DeviceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.BusinessId == profile.BusinessId && p.Environment == profile.Environment && p.IsActive != nil && *p.IsActive {
			p.IsActive = utils.NewFalse()
		}
	}
	profile.ID = m.id()
	m.profiles = append(m.profiles, profile)
	return nil
}

func (m *memStore) InsertEntry(_ context.Context, entry *models.FiscalQueueEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.IdempotencyKey == entry.IdempotencyKey {
			return false, nil
		}
	}
	entry.ID = m.id()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return true, nil
}

func (m *memStore) UnresolvedEntries(_ context.Context, businessId string, limit int) ([]models.FiscalQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FiscalQueueEntry
	for _, e := range m.entries {
		if e.BusinessId == businessId && e.Status != models.FiscalQueueStatusSubmitted {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) BusinessesWithDue(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, e := range m.entries {
		due := e.Status == models.FiscalQueueStatusPending ||
			e.Status == models.FiscalQueueStatusFailed
		if !due || seen[e.BusinessId] {
			continue
		}
		if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
			continue
		}
		seen[e.BusinessId] = true
		out = append(out, e.BusinessId)
	}
	return out, nil
}

func (m *memStore) ClaimEntry(_ context.Context, id int, owner string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID != id {
			continue
		}
		if e.Status != models.FiscalQueueStatusPending && e.Status != models.FiscalQueueStatusFailed {
			return false, nil
		}
		e.Status = models.FiscalQueueStatusProcessing
		e.LockedAt = &now
		e.LockedBy = &owner
		return true, nil
	}
	return false, nil
}

func (m *memStore) MarkSubmitted(_ context.Context, id int, confirmationId string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = models.FiscalQueueStatusSubmitted
			e.ConfirmationId = &confirmationId
			e.LastAttemptAt = &now
			e.NextAttemptAt = nil
			e.LockedAt = nil
			e.LockedBy = nil
		}
	}
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id int, errorCode string, attempts int, status models.FiscalQueueStatus, nextAttemptAt *time.Time, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = status
			e.Attempts = attempts
			e.LastErrorCode = &errorCode
			e.LastAttemptAt = &now
			e.NextAttemptAt = nextAttemptAt
			e.LockedAt = nil
			e.LockedBy = nil
		}
	}
	return nil
}

func (m *memStore) ResetEntry(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			e.Status = models.FiscalQueueStatusPending
			e.Attempts = 0
			e.NextAttemptAt = nil
			e.LockedAt = nil
			e.LockedBy = nil
		}
	}
	return nil
}

func (m *memStore) ReleaseStale(_ context.Context, businessId string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.BusinessId == businessId && e.Status == models.FiscalQueueStatusProcessing &&
			e.LockedAt != nil && e.LockedAt.Before(cutoff) {
			e.Status = models.FiscalQueueStatusFailed
			e.LockedAt = nil
			e.LockedBy = nil
		}
	}
	return nil
}

func (m *memStore) EntryById(_ context.Context, businessId string, id int) (*models.FiscalQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id && e.BusinessId == businessId {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *memStore) EntryByReference(_ context.Context, businessId string, kind models.FiscalTransactionKind, referenceId int) (*models.FiscalQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.BusinessId == businessId && e.ReferenceType == kind && e.ReferenceId == referenceId {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *memStore) Append(_ context.Context, row *models.FiscalAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	row.ID = m.id()
	m.audits = append(m.audits, *row)
	return nil
}

func (m *memStore) OpenSession(_ context.Context, businessId string, branchId int, now time.Time) (*models.OfflineSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.BusinessId == businessId && s.BranchId == branchId && s.DeactivatedAt == nil {
			return nil, ErrSessionAlreadyOpen
		}
	}
	session := &models.OfflineSession{
		ID:          m.id(),
		BusinessId:  businessId,
		BranchId:    branchId,
		ActivatedAt: now,
	}
	m.sessions = append(m.sessions, session)
	cp := *session
	return &cp, nil
}

func (m *memStore) CloseSession(_ context.Context, businessId string, branchId int, now time.Time) (*models.OfflineSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.BusinessId == businessId && s.BranchId == branchId && s.DeactivatedAt == nil {
			s.DeactivatedAt = &now
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotOpen
}

func (m *memStore) OpenForBranch(_ context.Context, businessId string, branchId int) (*models.OfflineSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.BusinessId == businessId && s.BranchId == branchId && s.DeactivatedAt == nil {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) IncrementEventCount(_ context.Context, sessionId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == sessionId {
			s.EventCount++
		}
	}
	return nil
}

func (m *memStore) CreateDraft(_ context.Context, closing *models.DailyClosing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closings {
		if c.BusinessId == closing.BusinessId && c.BranchId == closing.BranchId &&
			c.ClosingDate.Equal(closing.ClosingDate) && c.Status != models.DailyClosingStatusCancelled {
			return ErrClosingExists
		}
	}
	closing.ID = m.id()
	cp := *closing
	m.closings = append(m.closings, &cp)
	return nil
}

func (m *memStore) ClosingById(_ context.Context, businessId string, id int) (*models.DailyClosing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closings {
		if c.ID == id && c.BusinessId == businessId {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrClosingNotFound
}

func (m *memStore) MarkCompleted(_ context.Context, id int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closings {
		if c.ID == id {
			if c.Status != models.DailyClosingStatusDraft {
				return false, nil
			}
			c.Status = models.DailyClosingStatusCompleted
			c.CompletedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkCancelled(_ context.Context, id int, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closings {
		if c.ID == id {
			if c.Status != models.DailyClosingStatusDraft {
				return false, nil
			}
			c.Status = models.DailyClosingStatusCancelled
			c.CancelledAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LinkQueueEntry(_ context.Context, id int, queueEntryId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closings {
		if c.ID == id {
			c.QueueEntryId = &queueEntryId
		}
	}
	return nil
}

func (m *memStore) SetConfirmation(_ context.Context, businessId string, closingId int, confirmationId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.closings {
		if c.ID == closingId && c.BusinessId == businessId {
			c.ConfirmationId = &confirmationId
		}
	}
	return nil
}

// fakeLocker hands out locks unconditionally (single-process tests).
type fakeLocker struct {
	busy bool
}

type fakeLock struct{}

func (fakeLock) Release(context.Context) error { return nil }

func (l *fakeLocker) Obtain(context.Context, string, time.Duration) (DrainLock, error) {
	if l.busy {
		return nil, ErrDrainBusy
	}
	return fakeLock{}, nil
}

// fakeAuthority scripts the authority's behavior per call.
type fakeAuthority struct {
	mu sync.Mutex

	enrolResp *EnrolmentResponse
	enrolErr  error

	// submitFn decides the outcome of each submission; calls are counted.
	submitFn func(call int, payload []byte) (*SubmissionResponse, error)

	enrolCalls  int
	submitCalls int
	payloads    [][]byte
}

func (f *fakeAuthority) Enrol(_ context.Context, csrPEM string) (*EnrolmentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolCalls++
	if f.enrolErr != nil {
		return nil, f.enrolErr
	}
	return f.enrolResp, nil
}

func (f *fakeAuthority) Submit(_ context.Context, _ deviceIdentity, payload []byte, _, _ string) (*SubmissionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	f.payloads = append(f.payloads, payload)
	return f.submitFn(f.submitCalls, payload)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testFiscalConfig() *config.FiscalConfig {
	return &config.FiscalConfig{
		VaultKey:          testVaultKey(),
		AuthorityBaseURL:  "http://authority.test",
		EnrolmentPath:     "/v1/devices",
		TransactionPath:   "/v1/transactions",
		Environment:       "test",
		ApplicationRole:   "pos",
		SoftwareId:        "resto-pos",
		SoftwareVersion:   "2.4.1",
		CertificationCode: "CERT-77",
		PartnerId:         "PARTNER-9",
		ProtocolVersion:   "1.0",
		SubmitTimeout:     2 * time.Second,
		MaxAttempts:       5,
		BaseBackoff:       time.Second,
		MaxBackoff:        10 * time.Minute,
	}
}

func testVaultKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func mustVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(testVaultKey())
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

// selfSignedCertPEM issues a throwaway device certificate for tests.
func selfSignedCertPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(424242),
		Subject:      pkix.Name{CommonName: "device-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// seedProfile enrols a fake profile directly into the store, encrypted
// with the test vault.
func seedProfile(t *testing.T, store *memStore, vault *Vault, businessId string) *models.DeviceProfile {
	t.Helper()
	_, privPEM, _, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair: %v", err)
	}
	encKey, err := vault.Encrypt(privPEM)
	if err != nil {
		t.Fatalf("Encrypt key: %v", err)
	}
	encCert, err := vault.Encrypt(selfSignedCertPEM(t))
	if err != nil {
		t.Fatalf("Encrypt cert: %v", err)
	}
	profile := &models.DeviceProfile{
		BusinessId:           businessId,
		Environment:          "test",
		DeviceId:             "DEV-" + businessId,
		PartnerId:            "PARTNER-9",
		CertificationCode:    "CERT-77",
		SoftwareId:           "resto-pos",
		SoftwareVersion:      "2.4.1",
		ProtocolVersion:      "1.0",
		EncryptedPrivateKey:  encKey,
		EncryptedCertificate: encCert,
		IsActive:             utils.NewTrue(),
	}
	if err := store.SaveNewActive(context.Background(), profile); err != nil {
		t.Fatalf("SaveNewActive: %v", err)
	}
	return profile
}
