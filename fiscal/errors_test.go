package fiscal

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", NewNetworkError(errors.New("dial tcp: timeout")), true},
		{"wrapped network", fmt.Errorf("submit: %w", NewNetworkError(errors.New("eof"))), true},
		{"unclassified", errors.New("something odd"), true},
		{"protocol fatal", NewProtocolError("ERR-1201", "invalid transaction"), false},
		{"protocol server-side", NewProtocolError("SRV-503", "maintenance window"), true},
		{"protocol temporary", NewProtocolError("TMP-QUEUE", "busy"), true},
		{"protocol http 5xx", NewProtocolError("HTTP-502", "bad gateway"), true},
		{"protocol http 4xx", NewProtocolError("HTTP-400", "bad request"), false},
		{"persistence", NewPersistenceError("save", errors.New("disk full")), false},
		{"configuration", NewConfigurationError("missing key"), false},
		{"exhausted", NewExhaustedError(7), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(NewProtocolError("ERR-1", "nope"))
	if !ok || kind != ErrorKindProtocol {
		t.Fatalf("KindOf = %v/%v, want PROTOCOL/true", kind, ok)
	}

	wrapped := fmt.Errorf("outer: %w", NewPersistenceError("insert", errors.New("dup")))
	kind, ok = KindOf(wrapped)
	if !ok || kind != ErrorKindPersistence {
		t.Fatalf("KindOf wrapped = %v/%v, want PERSISTENCE/true", kind, ok)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("KindOf classified a plain error")
	}
}

func TestCodeOfKeepsAuthorityCode(t *testing.T) {
	if got := CodeOf(NewProtocolError("ERR-1201", "invalid")); got != "ERR-1201" {
		t.Fatalf("CodeOf = %q, want ERR-1201", got)
	}
	if got := CodeOf(errors.New("plain")); got != "NETWORK" {
		t.Fatalf("CodeOf plain = %q, want NETWORK", got)
	}
}

func TestErrorMessageKeepsVerbatimText(t *testing.T) {
	err := NewProtocolError("ERR-42", "campo obrigatorio em falta")
	msg := err.Error()
	if msg != "PROTOCOL [ERR-42]: campo obrigatorio em falta" {
		t.Fatalf("unexpected message: %q", msg)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := NewNetworkError(inner)
	if !errors.Is(err, inner) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}
