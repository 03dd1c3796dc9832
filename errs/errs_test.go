package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadata(t *testing.T) {
	err := New(
		"syncer",
		CodeDispatchFailed,
		WithHTTP(502),
		WithMessage("backend rejected credit update"),
		WithMetadata(map[string]string{
			"action_id": "credit_update_1_abc",
			"route":     "/credits/award",
		}),
		WithField("attempt", "1"),
		WithRemediation("item stays pending and is retried next run"),
		WithCause(errors.New("http 502")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=syncer") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=dispatch_failed") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=action_id=\"credit_update_1_abc\",attempt=\"1\",route=\"/credits/award\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"item stays pending and is retried next run\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"http 502\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithMetadataMerge(t *testing.T) {
	err := New(
		"store",
		CodeConflict,
		WithMetadata(map[string]string{"id": "a"}),
		WithMetadata(map[string]string{"id": "b", "driver": "sqlite"}),
		WithField("  ", "ignored"),
	)

	if got := err.Metadata["id"]; got != "b" {
		t.Fatalf("expected latest metadata to win, got %q", got)
	}
	if got := err.Metadata["driver"]; got != "sqlite" {
		t.Fatalf("expected driver metadata to be present, got %q", got)
	}
	if len(err.Metadata) != 2 {
		t.Fatalf("expected blank keys to be dropped, got %v", err.Metadata)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
	if got := e.Reason(); got != "" {
		t.Fatalf("expected empty reason for nil error, got %q", got)
	}
}

func TestCodeLookupThroughWrapping(t *testing.T) {
	inner := New("sqlite", CodeStoreUnavailable, WithMessage("database is locked"))
	outer := New("syncer", CodeDispatchFailed, WithCause(inner))
	wrapped := fmt.Errorf("list pending: %w", outer)

	if got := CodeOf(wrapped); got != CodeDispatchFailed {
		t.Fatalf("expected outermost code, got %q", got)
	}
	if !Is(wrapped, CodeStoreUnavailable) {
		t.Fatalf("expected nested store_unavailable code to be found")
	}
	if Is(wrapped, CodeOffline) {
		t.Fatalf("unexpected offline code match")
	}
	if Is(errors.New("plain"), CodeInvalid) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestMessagePrefersReason(t *testing.T) {
	if got := Message(New("dispatch", CodeDispatchFailed, WithMessage("boom"))); got != "boom" {
		t.Fatalf("expected message, got %q", got)
	}
	if got := Message(New("dispatch", CodeDispatchFailed, WithCause(errors.New("eof")))); got != "eof" {
		t.Fatalf("expected cause text, got %q", got)
	}
	nested := New("sqlite", CodeStoreUnavailable, WithMessage("list pending"), WithCause(errors.New("database is locked")))
	if got := Message(nested); got != "list pending: database is locked" {
		t.Fatalf("expected message joined with cause, got %q", got)
	}
	if got := Message(New("dispatch", CodeOffline)); got != "offline" {
		t.Fatalf("expected code fallback, got %q", got)
	}
	if got := Message(errors.New("plain failure")); got != "plain failure" {
		t.Fatalf("expected plain error text, got %q", got)
	}
	if got := Message(nil); got != "" {
		t.Fatalf("expected empty message for nil, got %q", got)
	}
}
