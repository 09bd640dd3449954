package fiscal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mmdatafocus/resto_backend/models"
	"github.com/shopspring/decimal"
)

func testEvent() Event {
	return Event{
		BusinessId:  "biz-1",
		BranchId:    3,
		Kind:        models.FiscalTransactionKindSale,
		ReferenceId: 9001,
		OccurredAt:  time.Date(2026, 8, 27, 21, 15, 0, 0, time.FixedZone("CET", 3600)),
		Currency:    "EUR",
		GrossAmount: decimal.RequireFromString("129.90"),
		TaxAmount:   decimal.RequireFromString("24.68"),
	}
}

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey(models.FiscalTransactionKindSale, 9001)
	b := IdempotencyKey(models.FiscalTransactionKindSale, 9001)
	if a != b {
		t.Fatalf("key is not stable: %q vs %q", a, b)
	}
	if a == IdempotencyKey(models.FiscalTransactionKindRefund, 9001) {
		t.Fatal("different kinds produced the same key")
	}
	if a == IdempotencyKey(models.FiscalTransactionKindSale, 9002) {
		t.Fatal("different references produced the same key")
	}
}

func TestBuildCanonicalTransaction(t *testing.T) {
	store := newMemStore()
	vault := mustVault(t)
	profile := seedProfile(t, store, vault, "biz-1")

	payload, err := BuildCanonicalTransaction(profile, testEvent())
	if err != nil {
		t.Fatalf("BuildCanonicalTransaction: %v", err)
	}

	var canonical CanonicalTransaction
	if err := json.Unmarshal(payload, &canonical); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if canonical.DeviceId != profile.DeviceId {
		t.Fatalf("device id %q, want %q", canonical.DeviceId, profile.DeviceId)
	}
	if canonical.IssuedAt != "2026-08-27T20:15:00Z" {
		t.Fatalf("issued at %q, want UTC RFC3339", canonical.IssuedAt)
	}
	if canonical.GrossAmount != "129.90" || canonical.TaxAmount != "24.68" {
		t.Fatalf("amounts %q/%q, want fixed two decimals", canonical.GrossAmount, canonical.TaxAmount)
	}
	if canonical.TransactionKind != "SALE" {
		t.Fatalf("kind %q, want SALE", canonical.TransactionKind)
	}
	if canonical.SoftwareId != profile.SoftwareId || canonical.ProtocolVersion != profile.ProtocolVersion {
		t.Fatal("software identity not carried from the device profile")
	}
}

func TestBuildCanonicalTransactionDeterministic(t *testing.T) {
	store := newMemStore()
	vault := mustVault(t)
	profile := seedProfile(t, store, vault, "biz-1")

	a, err := BuildCanonicalTransaction(profile, testEvent())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := BuildCanonicalTransaction(profile, testEvent())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("identical events produced different payload bytes")
	}
}

func TestBuildCanonicalTransactionValidation(t *testing.T) {
	store := newMemStore()
	vault := mustVault(t)
	profile := seedProfile(t, store, vault, "biz-1")

	mutations := map[string]func(*Event){
		"missing business": func(e *Event) { e.BusinessId = "" },
		"missing branch":   func(e *Event) { e.BranchId = 0 },
		"missing ref":      func(e *Event) { e.ReferenceId = 0 },
		"bad kind":         func(e *Event) { e.Kind = "VOUCHER" },
		"zero time":        func(e *Event) { e.OccurredAt = time.Time{} },
		"no currency":      func(e *Event) { e.Currency = "" },
	}
	for name, mutate := range mutations {
		event := testEvent()
		mutate(&event)
		if _, err := BuildCanonicalTransaction(profile, event); err == nil {
			t.Fatalf("%s: validation passed, want error", name)
		}
	}
}
