package fiscal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/resto_backend/config"
	"github.com/mmdatafocus/resto_backend/models"
	"github.com/mmdatafocus/resto_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// API exposes the fiscal pipeline over the internal REST surface and the
// Pub/Sub push endpoint.
type API struct {
	enrolment *EnrolmentService
	submitter *Submitter
	queue     *QueueEngine
	sessions  *SessionService
	closings  *ClosingService
	store     *GormStore
	logger    *logrus.Logger
}

func NewAPI(
	enrolment *EnrolmentService,
	submitter *Submitter,
	queue *QueueEngine,
	sessions *SessionService,
	closings *ClosingService,
	store *GormStore,
	logger *logrus.Logger,
) *API {
	return &API{
		enrolment: enrolment,
		submitter: submitter,
		queue:     queue,
		sessions:  sessions,
		closings:  closings,
		store:     store,
		logger:    logger,
	}
}

// RegisterRoutes mounts the internal surface on an authenticated group
// and the push endpoint on the bare engine (Pub/Sub authenticates via
// its own OIDC token at the infrastructure layer).
func (a *API) RegisterRoutes(authed *gin.RouterGroup, public *gin.Engine) {
	fiscal := authed.Group("/internal/fiscal")
	{
		fiscal.POST("/enrol", a.Enrol)
		fiscal.POST("/submit", a.Submit)
		fiscal.POST("/queue/replay", a.Replay)
		fiscal.GET("/audit-logs", a.AuditLogs)
		fiscal.GET("/error-stats", a.ErrorStats)
		fiscal.GET("/transaction-status", a.TransactionStatus)
		fiscal.POST("/offline-session/open", a.OpenSession)
		fiscal.POST("/offline-session/close", a.CloseSession)
		fiscal.POST("/daily-closing/start", a.StartClosing)
		fiscal.POST("/daily-closing/complete", a.CompleteClosing)
		fiscal.POST("/daily-closing/cancel", a.CancelClosing)
	}
	public.POST("/pubsub/fiscal", a.PubSubPush)
}

func (a *API) Enrol(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var body struct {
		Subject DeviceSubject `json:"subject"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, err := a.enrolment.Enrol(c.Request.Context(), EnrolmentRequest{
		BusinessId: businessId,
		Subject:    body.Subject,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, profile)
}

type submitBody struct {
	BranchId    int                          `json:"branch_id"`
	Kind        models.FiscalTransactionKind `json:"kind"`
	ReferenceId int                          `json:"reference_id"`
	OccurredAt  time.Time                    `json:"occurred_at"`
	Currency    string                       `json:"currency"`
	GrossAmount decimal.Decimal              `json:"gross_amount"`
	TaxAmount   decimal.Decimal              `json:"tax_amount"`
}

func (a *API) Submit(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(c.Request.Context())

	outcome, err := a.submitter.Process(c.Request.Context(), Event{
		BusinessId:    businessId,
		BranchId:      body.BranchId,
		Kind:          body.Kind,
		ReferenceId:   body.ReferenceId,
		OccurredAt:    body.OccurredAt,
		Currency:      body.Currency,
		GrossAmount:   body.GrossAmount,
		TaxAmount:     body.TaxAmount,
		CorrelationId: correlationId,
	})
	if err != nil {
		a.respondError(c, err)
		return
	}
	status := http.StatusOK
	if outcome.Queued && !outcome.Submitted {
		status = http.StatusAccepted
	}
	c.JSON(status, outcome)
}

func (a *API) Replay(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var body struct {
		EntryId  int  `json:"entry_id"`
		Override bool `json:"override"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Overriding a dead-lettered entry is an admin action; record who did it.
	if body.Override {
		if admin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !admin {
			c.JSON(http.StatusForbidden, gin.H{"error": "replay override requires an admin operator"})
			return
		}
		operator, _ := utils.GetUsernameFromContext(c.Request.Context())
		operatorId, _ := utils.GetUserIdFromContext(c.Request.Context())
		a.logger.WithFields(logrus.Fields{
			"module":     "fiscal",
			"operator":   operator,
			"operatorId": operatorId,
			"entryId":    body.EntryId,
		}).Warn("dead queue entry replayed with operator override")
	}

	entry, err := a.queue.Replay(c.Request.Context(), businessId, body.EntryId, body.Override)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (a *API) AuditLogs(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	q := AuditQuery{
		BranchId:      queryInt(c, "branch_id"),
		ReferenceType: models.FiscalTransactionKind(c.Query("reference_type")),
		ReferenceId:   queryInt(c, "reference_id"),
		OnlyFailures:  c.Query("only_failures") == "true",
		Page:          queryInt(c, "page"),
		PageSize:      queryInt(c, "page_size"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339: " + err.Error()})
			return
		}
		q.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339: " + err.Error()})
			return
		}
		q.To = t
	}

	rows, total, err := a.store.AuditLogs(c.Request.Context(), businessId, q)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "logs": rows})
}

func (a *API) ErrorStats(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	sinceHours := queryInt(c, "since_hours")
	if sinceHours <= 0 {
		sinceHours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour)

	stats, err := a.store.ErrorStats(c.Request.Context(), businessId, queryInt(c, "branch_id"), since)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"since": since, "stats": stats})
}

func (a *API) TransactionStatus(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	kind := models.FiscalTransactionKind(c.Query("reference_type"))
	referenceId := queryInt(c, "reference_id")
	if kind == "" || referenceId <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference_type and reference_id are required"})
		return
	}

	entry, err := a.store.EntryByReference(c.Request.Context(), businessId, kind, referenceId)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (a *API) OpenSession(c *gin.Context) {
	a.sessionOp(c, a.sessions.Open)
}

func (a *API) CloseSession(c *gin.Context) {
	a.sessionOp(c, a.sessions.Close)
}

func (a *API) sessionOp(c *gin.Context, op func(ctx context.Context, businessId string, branchId int) (*models.OfflineSession, error)) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var body struct {
		BranchId int `json:"branch_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.GetBranchById(c.Request.Context(), businessId, body.BranchId); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	session, err := op(c.Request.Context(), businessId, body.BranchId)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *API) StartClosing(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var input ClosingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.GetBranchById(c.Request.Context(), businessId, input.BranchId); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	closing, err := a.closings.Start(c.Request.Context(), businessId, input)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, closing)
}

func (a *API) CompleteClosing(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var body struct {
		ClosingId int `json:"closing_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	closing, err := a.closings.Complete(c.Request.Context(), businessId, body.ClosingId)
	if closing == nil {
		a.respondError(c, err)
		return
	}
	// Phase one committed; report a phase-two failure without undoing it.
	resp := gin.H{"closing": closing}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) CancelClosing(c *gin.Context) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing business context"})
		return
	}

	var body struct {
		ClosingId int `json:"closing_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	closing, err := a.closings.Cancel(c.Request.Context(), businessId, body.ClosingId)
	if err != nil {
		a.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, closing)
}

// pubsubPushEnvelope is the wrapper Pub/Sub wraps around pushed messages.
type pubsubPushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// eventAmounts is the fiscal portion of the upstream event payload.
type eventAmounts struct {
	Currency    string          `json:"currency"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
}

// PubSubPush ingests fiscal events pushed by upstream services.
// Malformed messages are acked (204): redelivery cannot fix them and the
// audit trail of the publisher is the place to debug. Persistence
// failures return 500 so Pub/Sub redelivers.
func (a *API) PubSubPush(c *gin.Context) {
	var envelope pubsubPushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.Status(http.StatusNoContent)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}

	var msg config.FiscalEventMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		config.LogError(a.logger, "fiscal", "PubSubPush", "malformed event message", envelope.Message.MessageId, err)
		c.Status(http.StatusNoContent)
		return
	}

	var amounts eventAmounts
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &amounts); err != nil {
			config.LogError(a.logger, "fiscal", "PubSubPush", "malformed event payload", envelope.Message.MessageId, err)
			c.Status(http.StatusNoContent)
			return
		}
	}

	outcome, err := a.submitter.Process(c.Request.Context(), Event{
		BusinessId:    msg.BusinessId,
		BranchId:      msg.BranchId,
		Kind:          models.FiscalTransactionKind(msg.ReferenceType),
		ReferenceId:   msg.ReferenceId,
		OccurredAt:    msg.OccurredAt,
		Currency:      amounts.Currency,
		GrossAmount:   amounts.GrossAmount,
		TaxAmount:     amounts.TaxAmount,
		CorrelationId: msg.CorrelationId,
	})
	if err != nil {
		if kind, ok := KindOf(err); ok && kind == ErrorKindPersistence {
			c.Status(http.StatusInternalServerError)
			return
		}
		// Fatal for this message; ack so it does not loop forever.
		config.LogError(a.logger, "fiscal", "PubSubPush", "event rejected", envelope.Message.MessageId, err)
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (a *API) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrClosingNotFound),
		errors.Is(err, ErrSessionNotOpen),
		errors.Is(err, ErrProfileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrSessionAlreadyOpen),
		errors.Is(err, ErrClosingExists),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadySubmitted),
		errors.Is(err, ErrOverrideRequired):
		status = http.StatusConflict
	default:
		if kind, ok := KindOf(err); ok {
			switch kind {
			case ErrorKindProtocol:
				status = http.StatusUnprocessableEntity
			case ErrorKindConfiguration:
				status = http.StatusPreconditionFailed
			case ErrorKindNetwork:
				status = http.StatusBadGateway
			}
		}
	}

	if status == http.StatusInternalServerError {
		config.LogError(a.logger, "fiscal", "respondError", c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": CodeOf(err)})
}

func queryInt(c *gin.Context, name string) int {
	v := c.Query(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
