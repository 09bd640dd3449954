package fiscal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmdatafocus/resto_backend/models"
)

// IdempotencyKey is a pure function of the logical transaction identity.
// Every retry of the same event produces the same key, which the unique
// index on the queue table turns into at-most-once enqueueing.
func IdempotencyKey(kind models.FiscalTransactionKind, referenceId int) string {
	return fmt.Sprintf("%s:%d", kind, referenceId)
}

// BuildCanonicalTransaction normalizes an event into the exact payload
// bytes that get signed and submitted. The bytes are frozen at enqueue
// time; a retry always re-signs the identical payload.
func BuildCanonicalTransaction(profile *models.DeviceProfile, event Event) ([]byte, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	canonical := CanonicalTransaction{
		DeviceId:        profile.DeviceId,
		TransactionKind: string(event.Kind),
		ReferenceId:     event.ReferenceId,
		BranchId:        event.BranchId,
		IssuedAt:        event.OccurredAt.UTC().Format(time.RFC3339),
		Currency:        event.Currency,
		GrossAmount:     event.GrossAmount.StringFixed(2),
		TaxAmount:       event.TaxAmount.StringFixed(2),
		SoftwareId:      profile.SoftwareId,
		SoftwareVersion: profile.SoftwareVersion,
		ProtocolVersion: profile.ProtocolVersion,
	}
	return json.Marshal(canonical)
}

func validateEvent(event Event) error {
	if event.BusinessId == "" {
		return NewProtocolError("VALIDATION", "event is missing business id")
	}
	if event.BranchId <= 0 {
		return NewProtocolError("VALIDATION", "event is missing branch id")
	}
	if event.ReferenceId <= 0 {
		return NewProtocolError("VALIDATION", "event is missing reference id")
	}
	switch event.Kind {
	case models.FiscalTransactionKindSale,
		models.FiscalTransactionKindRefund,
		models.FiscalTransactionKindDailyClosing:
	default:
		return NewProtocolError("VALIDATION", fmt.Sprintf("unknown transaction kind %q", event.Kind))
	}
	if event.OccurredAt.IsZero() {
		return NewProtocolError("VALIDATION", "event is missing occurred_at")
	}
	if event.Currency == "" {
		return NewProtocolError("VALIDATION", "event is missing currency")
	}
	return nil
}
