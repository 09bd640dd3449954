package fiscal

import (
	"encoding/json"
	"time"

	"github.com/mmdatafocus/resto_backend/models"
	"github.com/shopspring/decimal"
)

// AuthorityError is a single error element from an authority response,
// kept verbatim for audit traceability.
type AuthorityError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EnrolmentResponse is the authority's reply to a device "add" operation.
type EnrolmentResponse struct {
	DeviceId       string           `json:"device_id"`
	Certificate    string           `json:"certificate"`
	PsiCertificate string           `json:"psi_certificate"`
	Errors         []AuthorityError `json:"errors"`
}

// SubmissionResponse is the authority's reply to a transaction "submit".
type SubmissionResponse struct {
	ConfirmationId string           `json:"confirmation_id"`
	Errors         []AuthorityError `json:"errors"`
}

type enrolmentRequest struct {
	Request enrolmentRequestBody `json:"request"`
}

type enrolmentRequestBody struct {
	Operation string `json:"operation"`
	Csr       string `json:"csr"`
}

type submissionRequest struct {
	Request submissionRequestBody `json:"request"`
}

type submissionRequestBody struct {
	Operation   string          `json:"operation"`
	Transaction json.RawMessage `json:"transaction"`
	Signature   string          `json:"signature"`
	Certificate string          `json:"certificate"`
}

// Event is a fiscally relevant business occurrence handed to the pipeline,
// either synchronously or via the Pub/Sub push endpoint.
type Event struct {
	BusinessId    string                        `json:"business_id"`
	BranchId      int                           `json:"branch_id"`
	Kind          models.FiscalTransactionKind  `json:"kind"`
	ReferenceId   int                           `json:"reference_id"`
	OccurredAt    time.Time                     `json:"occurred_at"`
	Currency      string                        `json:"currency"`
	GrossAmount   decimal.Decimal               `json:"gross_amount"`
	TaxAmount     decimal.Decimal               `json:"tax_amount"`
	CorrelationId string                        `json:"correlation_id"`
}

// CanonicalTransaction is the normalized payload signed and submitted to
// the authority. Field order and formats are part of the certified
// protocol; amounts are fixed-point strings, timestamps RFC3339 UTC.
type CanonicalTransaction struct {
	DeviceId        string `json:"device_id"`
	TransactionKind string `json:"transaction_kind"`
	ReferenceId     int    `json:"reference_id"`
	BranchId        int    `json:"branch_id"`
	IssuedAt        string `json:"issued_at"`
	Currency        string `json:"currency"`
	GrossAmount     string `json:"gross_amount"`
	TaxAmount       string `json:"tax_amount"`
	SoftwareId      string `json:"software_id"`
	SoftwareVersion string `json:"software_version"`
	ProtocolVersion string `json:"protocol_version"`
}

// SubmissionOutcome summarizes a single authority round trip for callers
// and for the audit trail.
type SubmissionOutcome struct {
	Submitted      bool   `json:"submitted"`
	Queued         bool   `json:"queued"`
	ConfirmationId string `json:"confirmation_id,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}
