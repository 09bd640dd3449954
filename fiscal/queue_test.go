package fiscal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/resto_backend/models"
)

type scriptedSubmitter struct {
	fn    func(call int, entry *models.FiscalQueueEntry) (string, error)
	calls int
	order []int
}

func (s *scriptedSubmitter) SubmitEntry(_ context.Context, entry *models.FiscalQueueEntry) (string, error) {
	s.calls++
	s.order = append(s.order, entry.ID)
	return s.fn(s.calls, entry)
}

func newTestEngine(store *memStore, sub entrySubmitter) *QueueEngine {
	engine := NewQueueEngine(testFiscalConfig(), store, &fakeLocker{}, testLogger())
	engine.BindSubmitter(sub)
	return engine
}

func enqueueN(t *testing.T, engine *QueueEngine, n int) []*models.FiscalQueueEntry {
	t.Helper()
	var entries []*models.FiscalQueueEntry
	for i := 0; i < n; i++ {
		event := testEvent()
		event.ReferenceId = 9001 + i
		entry, created, err := engine.Enqueue(context.Background(), event, []byte(`{"n":1}`))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if !created {
			t.Fatalf("entry %d not created", i)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestEnqueueIdempotent(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, &scriptedSubmitter{})

	event := testEvent()
	first, created, err := engine.Enqueue(context.Background(), event, []byte(`{}`))
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}

	second, created, err := engine.Enqueue(context.Background(), event, []byte(`{}`))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatal("duplicate event created a second entry")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned entry %d, want existing %d", second.ID, first.ID)
	}
	if len(store.entries) != 1 {
		t.Fatalf("store holds %d entries, want 1", len(store.entries))
	}
}

func TestDrainSubmitsFIFO(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(call int, _ *models.FiscalQueueEntry) (string, error) {
		return "CONF", nil
	}}
	engine := newTestEngine(store, sub)
	entries := enqueueN(t, engine, 3)

	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if sub.calls != 3 {
		t.Fatalf("submitted %d entries, want 3", sub.calls)
	}
	for i := 1; i < len(sub.order); i++ {
		if sub.order[i] <= sub.order[i-1] {
			t.Fatalf("entries submitted out of order: %v", sub.order)
		}
	}
	for _, e := range entries {
		got, err := store.EntryById(context.Background(), "biz-1", e.ID)
		if err != nil {
			t.Fatalf("EntryById: %v", err)
		}
		if got.Status != models.FiscalQueueStatusSubmitted {
			t.Fatalf("entry %d status %s, want SUBMITTED", e.ID, got.Status)
		}
		if got.ConfirmationId == nil || *got.ConfirmationId != "CONF" {
			t.Fatalf("entry %d missing confirmation id", e.ID)
		}
	}
}

func TestDrainStopsAtFirstFailure(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(call int, _ *models.FiscalQueueEntry) (string, error) {
		return "", NewNetworkError(errors.New("timeout"))
	}}
	engine := newTestEngine(store, sub)
	entries := enqueueN(t, engine, 2)

	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if sub.calls != 1 {
		t.Fatalf("submitter called %d times, want 1 (head blocks the queue)", sub.calls)
	}

	head, _ := store.EntryById(context.Background(), "biz-1", entries[0].ID)
	if head.Status != models.FiscalQueueStatusFailed {
		t.Fatalf("head status %s, want FAILED", head.Status)
	}
	if head.Attempts != 1 {
		t.Fatalf("head attempts %d, want 1", head.Attempts)
	}
	if head.NextAttemptAt == nil || !head.NextAttemptAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Fatal("head has no backoff window")
	}
	if head.LastErrorCode == nil || *head.LastErrorCode != "NETWORK" {
		t.Fatal("head did not record the error code")
	}

	tail, _ := store.EntryById(context.Background(), "biz-1", entries[1].ID)
	if tail.Status != models.FiscalQueueStatusPending {
		t.Fatalf("tail status %s, want untouched PENDING", tail.Status)
	}
}

func TestDrainRespectsBackoffWindow(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(int, *models.FiscalQueueEntry) (string, error) { return "C", nil }}
	engine := newTestEngine(store, sub)
	entries := enqueueN(t, engine, 1)

	future := time.Now().UTC().Add(time.Hour)
	store.entries[0].Status = models.FiscalQueueStatusFailed
	store.entries[0].NextAttemptAt = &future

	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sub.calls != 0 {
		t.Fatalf("submitter called %d times during backoff, want 0", sub.calls)
	}
	got, _ := store.EntryById(context.Background(), "biz-1", entries[0].ID)
	if got.Status != models.FiscalQueueStatusFailed {
		t.Fatalf("status %s, want FAILED preserved", got.Status)
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(int, *models.FiscalQueueEntry) (string, error) {
		return "", NewNetworkError(errors.New("still down"))
	}}
	engine := newTestEngine(store, sub)
	entries := enqueueN(t, engine, 1)

	maxAttempts := testFiscalConfig().MaxAttempts
	for i := 0; i < maxAttempts; i++ {
		// Collapse the backoff window so the next drain retries immediately.
		store.entries[0].NextAttemptAt = nil
		if err := engine.Drain(context.Background(), "biz-1"); err != nil {
			t.Fatalf("Drain %d: %v", i, err)
		}
	}

	if sub.calls != maxAttempts {
		t.Fatalf("submitter called %d times, want %d", sub.calls, maxAttempts)
	}
	got, err := store.EntryById(context.Background(), "biz-1", entries[0].ID)
	if err != nil {
		t.Fatalf("dead-lettered entry was deleted: %v", err)
	}
	if got.Status != models.FiscalQueueStatusDead {
		t.Fatalf("status %s, want DEAD", got.Status)
	}
	if got.Attempts != maxAttempts {
		t.Fatalf("attempts %d, want %d", got.Attempts, maxAttempts)
	}

	// A further drain must not touch the dead entry.
	store.entries[0].NextAttemptAt = nil
	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain after dead: %v", err)
	}
	if sub.calls != maxAttempts {
		t.Fatalf("dead entry was retried (calls=%d)", sub.calls)
	}
}

func TestFatalRejectionDeadLettersImmediately(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(int, *models.FiscalQueueEntry) (string, error) {
		return "", NewProtocolError("ERR-1201", "invalid transaction")
	}}
	engine := newTestEngine(store, sub)
	entries := enqueueN(t, engine, 1)

	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got, _ := store.EntryById(context.Background(), "biz-1", entries[0].ID)
	if got.Status != models.FiscalQueueStatusDead {
		t.Fatalf("status %s, want DEAD after fatal rejection", got.Status)
	}
	if got.LastErrorCode == nil || *got.LastErrorCode != "ERR-1201" {
		t.Fatal("authority error code not preserved on the entry")
	}
}

func TestDeadEntryBlocksQueue(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(int, *models.FiscalQueueEntry) (string, error) { return "C", nil }}
	engine := newTestEngine(store, sub)
	enqueueN(t, engine, 2)

	store.entries[0].Status = models.FiscalQueueStatusDead

	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sub.calls != 0 {
		t.Fatalf("entries behind a dead head were submitted (%d calls)", sub.calls)
	}
}

func TestReplayRequiresOverrideForDead(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(int, *models.FiscalQueueEntry) (string, error) { return "CONF-2", nil }}
	engine := newTestEngine(store, sub)
	entries := enqueueN(t, engine, 1)

	store.entries[0].Status = models.FiscalQueueStatusDead
	store.entries[0].Attempts = 5

	if _, err := engine.Replay(context.Background(), "biz-1", entries[0].ID, false); !errors.Is(err, ErrOverrideRequired) {
		t.Fatalf("replay without override: %v, want ErrOverrideRequired", err)
	}

	replayed, err := engine.Replay(context.Background(), "biz-1", entries[0].ID, true)
	if err != nil {
		t.Fatalf("replay with override: %v", err)
	}
	if replayed.Status != models.FiscalQueueStatusSubmitted {
		t.Fatalf("replayed entry status %s, want SUBMITTED", replayed.Status)
	}
	if sub.calls != 1 {
		t.Fatalf("submitter called %d times, want 1", sub.calls)
	}
}

func TestReplayRejectsSubmitted(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, &scriptedSubmitter{})
	entries := enqueueN(t, engine, 1)

	store.entries[0].Status = models.FiscalQueueStatusSubmitted

	if _, err := engine.Replay(context.Background(), "biz-1", entries[0].ID, true); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("replay of submitted entry: %v, want ErrAlreadySubmitted", err)
	}
}

func TestDrainSkipsWhenLockBusy(t *testing.T) {
	store := newMemStore()
	sub := &scriptedSubmitter{fn: func(int, *models.FiscalQueueEntry) (string, error) { return "C", nil }}
	engine := NewQueueEngine(testFiscalConfig(), store, &fakeLocker{busy: true}, testLogger())
	engine.BindSubmitter(sub)
	enqueueN(t, engine, 1)

	if err := engine.Drain(context.Background(), "biz-1"); err != nil {
		t.Fatalf("Drain with busy lock: %v", err)
	}
	if sub.calls != 0 {
		t.Fatal("drain ran despite another worker holding the lock")
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	engine := newTestEngine(newMemStore(), &scriptedSubmitter{})
	cfg := testFiscalConfig()

	want := []time.Duration{
		cfg.BaseBackoff,
		2 * cfg.BaseBackoff,
		4 * cfg.BaseBackoff,
		8 * cfg.BaseBackoff,
	}
	for i, w := range want {
		if got := engine.backoffFor(i + 1); got != w {
			t.Fatalf("backoffFor(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := engine.backoffFor(60); got != cfg.MaxBackoff {
		t.Fatalf("backoffFor(60) = %s, want cap %s", got, cfg.MaxBackoff)
	}
}
