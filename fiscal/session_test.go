package fiscal

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/resto_backend/models"
)

func TestOfflineSessionSingleOpenPerBranch(t *testing.T) {
	store := newMemStore()
	_, queue := newTestSubmitter(store, &fakeAuthority{})
	service := NewSessionService(store, queue, testLogger())

	if _, err := service.Open(context.Background(), "biz-1", 3); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := service.Open(context.Background(), "biz-1", 3); !errors.Is(err, ErrSessionAlreadyOpen) {
		t.Fatalf("second Open: %v, want ErrSessionAlreadyOpen", err)
	}
	// Another branch is independent.
	if _, err := service.Open(context.Background(), "biz-1", 4); err != nil {
		t.Fatalf("Open other branch: %v", err)
	}
}

func TestCloseWithoutOpenSession(t *testing.T) {
	store := newMemStore()
	_, queue := newTestSubmitter(store, &fakeAuthority{})
	service := NewSessionService(store, queue, testLogger())

	if _, err := service.Close(context.Background(), "biz-1", 3); !errors.Is(err, ErrSessionNotOpen) {
		t.Fatalf("Close: %v, want ErrSessionNotOpen", err)
	}
}

func TestCloseSessionDrainsBacklog(t *testing.T) {
	store := newMemStore()
	vault := mustVault(t)
	seedProfile(t, store, vault, "biz-1")

	authority := &fakeAuthority{submitFn: func(int, []byte) (*SubmissionResponse, error) {
		return &SubmissionResponse{ConfirmationId: "AT-OFF-1"}, nil
	}}
	sub, queue := newTestSubmitter(store, authority)
	service := NewSessionService(store, queue, testLogger())

	if _, err := service.Open(context.Background(), "biz-1", 3); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Events during the outage go to the queue, not to the authority.
	for i := 0; i < 3; i++ {
		event := testEvent()
		event.ReferenceId = 9001 + i
		outcome, err := sub.Process(context.Background(), event)
		if err != nil {
			t.Fatalf("Process during outage: %v", err)
		}
		if !outcome.Queued {
			t.Fatalf("event %d not queued during outage", i)
		}
	}
	if authority.submitCalls != 0 {
		t.Fatalf("authority called %d times during outage, want 0", authority.submitCalls)
	}

	session, err := service.Close(context.Background(), "biz-1", 3)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if session.DeactivatedAt == nil {
		t.Fatal("session not deactivated")
	}
	if session.EventCount != 3 {
		t.Fatalf("session event count %d, want 3", session.EventCount)
	}

	if authority.submitCalls != 3 {
		t.Fatalf("drain submitted %d entries, want 3", authority.submitCalls)
	}
	for _, e := range store.entries {
		if e.Status != models.FiscalQueueStatusSubmitted {
			t.Fatalf("entry %d status %s, want SUBMITTED after close", e.ID, e.Status)
		}
	}
}
