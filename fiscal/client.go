package fiscal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mmdatafocus/resto_backend/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AuthorityClient talks to the tax authority's REST endpoints. One client
// per process; it is safe for concurrent use.
type AuthorityClient struct {
	cfg    *config.FiscalConfig
	http   *http.Client
	tracer trace.Tracer
}

func NewAuthorityClient(cfg *config.FiscalConfig) *AuthorityClient {
	return &AuthorityClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.SubmitTimeout},
		tracer: otel.Tracer("fiscal-authority"),
	}
}

// Enrol sends a device "add" operation carrying the CSR and returns the
// issued certificates. Authority-reported errors come back as protocol
// errors with the verbatim code and message.
func (c *AuthorityClient) Enrol(ctx context.Context, csrPEM string) (*EnrolmentResponse, error) {
	ctx, span := c.tracer.Start(ctx, "authority.enrol")
	defer span.End()

	body := enrolmentRequest{Request: enrolmentRequestBody{Operation: "add", Csr: csrPEM}}
	raw, status, err := c.post(ctx, c.cfg.AuthorityBaseURL+c.cfg.EnrolmentPath, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}

	var resp EnrolmentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		perr := NewProtocolError("NON_JSON_RESPONSE", "authority returned a non-JSON enrolment response")
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}
	if err := authorityOutcome(status, resp.Errors); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.DeviceId == "" || resp.Certificate == "" {
		return nil, NewProtocolError("INCOMPLETE_RESPONSE", "enrolment response missing device id or certificate")
	}
	return &resp, nil
}

// Submit sends a signed transaction. signature is the base64 ASN.1 DER
// ECDSA signature over the exact canonical payload bytes; certPEM is the
// plaintext device certificate, decrypted for this call only.
func (c *AuthorityClient) Submit(ctx context.Context, profile deviceIdentity, payload []byte, signature, certPEM string) (*SubmissionResponse, error) {
	ctx, span := c.tracer.Start(ctx, "authority.submit")
	defer span.End()

	body := submissionRequest{Request: submissionRequestBody{
		Operation:   "submit",
		Transaction: json.RawMessage(payload),
		Signature:   signature,
		Certificate: certPEM,
	}}
	raw, status, err := c.postWithDevice(ctx, c.cfg.AuthorityBaseURL+c.cfg.TransactionPath, body, profile)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, err
	}

	var resp SubmissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		perr := NewProtocolError("NON_JSON_RESPONSE", "authority returned a non-JSON submission response")
		span.SetStatus(codes.Error, perr.Error())
		return nil, perr
	}
	if err := authorityOutcome(status, resp.Errors); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp.ConfirmationId == "" {
		return nil, NewProtocolError("INCOMPLETE_RESPONSE", "submission response missing confirmation id")
	}
	return &resp, nil
}

// deviceIdentity is the subset of the device profile stamped into the
// mandated submission headers.
type deviceIdentity struct {
	DeviceId        string
	ProtocolVersion string
}

func (c *AuthorityClient) post(ctx context.Context, url string, body interface{}) ([]byte, int, error) {
	return c.doJSON(ctx, url, body, nil)
}

func (c *AuthorityClient) postWithDevice(ctx context.Context, url string, body interface{}, device deviceIdentity) ([]byte, int, error) {
	return c.doJSON(ctx, url, body, &device)
}

func (c *AuthorityClient) doJSON(ctx context.Context, url string, body interface{}, device *deviceIdentity) ([]byte, int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setMandatedHeaders(req, device)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, NewNetworkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, NewNetworkError(err)
	}
	return raw, resp.StatusCode, nil
}

// setMandatedHeaders stamps the header set the certification contract
// requires on every call. The device headers are only present once a
// profile exists (i.e. on submissions, not on enrolment).
func (c *AuthorityClient) setMandatedHeaders(req *http.Request, device *deviceIdentity) {
	req.Header.Set("X-Fiscal-Environment", c.cfg.Environment)
	req.Header.Set("X-Fiscal-Application-Role", c.cfg.ApplicationRole)
	req.Header.Set("X-Fiscal-Software-Id", c.cfg.SoftwareId)
	req.Header.Set("X-Fiscal-Software-Version", c.cfg.SoftwareVersion)
	req.Header.Set("X-Fiscal-Certification-Code", c.cfg.CertificationCode)
	req.Header.Set("X-Fiscal-Partner-Id", c.cfg.PartnerId)
	if c.cfg.TestCaseCode != "" {
		req.Header.Set("X-Fiscal-Test-Case", c.cfg.TestCaseCode)
	}
	if c.cfg.AuthorizationCode != "" {
		req.Header.Set("X-Fiscal-Authorization", c.cfg.AuthorizationCode)
	}
	if device != nil {
		req.Header.Set("X-Fiscal-Device-Id", device.DeviceId)
		req.Header.Set("X-Fiscal-Protocol-Version", device.ProtocolVersion)
	} else {
		req.Header.Set("X-Fiscal-Protocol-Version", c.cfg.ProtocolVersion)
	}
}

// authorityOutcome maps the HTTP status and the embedded error list to a
// pipeline error. 5xx without a usable error element becomes a transient
// HTTP-5xx protocol error so the retry engine picks it up.
func authorityOutcome(status int, errs []AuthorityError) error {
	if len(errs) > 0 {
		return NewProtocolError(errs[0].Code, errs[0].Message)
	}
	if status >= 500 {
		return NewProtocolError(fmt.Sprintf("HTTP-%d", status), "authority server error")
	}
	if status >= 400 {
		return NewProtocolError(fmt.Sprintf("HTTP-%d", status), "authority rejected the request")
	}
	return nil
}
