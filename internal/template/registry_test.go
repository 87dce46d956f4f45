package template

import (
	"testing"
	"time"
)

func TestNewSelfChecksAllTemplates(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatalf("New() failed self-check: %v", err)
	}
	want := []string{
		"CHECK_HEALTH", "CHECK_INGEST_ID", "GET_ACTIVE_CUSTOMERS", "GET_ACTIVITY_STATS",
		"GET_CONTEXT", "GET_RECENT_ACTIVITIES", "LOG_EVENT", "LOG_INSIGHT",
		"RECORD_INGEST_ID", "UPDATE_CONTEXT",
	}
	names := r.Names()
	if len(names) != len(want) {
		t.Fatalf("got %d templates, want %d: %v", len(names), len(want), names)
	}
}

func TestBindLogEventRejectsWrongParamCount(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = r.Bind("LOG_EVENT", []interface{}{"only", "two"})
	if err == nil {
		t.Error("expected InvalidArgument for wrong param count")
	}
}

func TestBindLogEventHappyPath(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	bound, fp, err := r.Bind("LOG_EVENT", []interface{}{
		"abc123", "actcore.log_event", "cust-1", now, "", nil, nil, "", "", "", "actcore_deadbeef",
	})
	if err != nil {
		t.Fatalf("unexpected bind error: %v", err)
	}
	if len(bound) != 11 {
		t.Errorf("expected 11 bound params, got %d", len(bound))
	}
	if len(fp) != 16 {
		t.Errorf("expected 16-char fingerprint, got %d: %q", len(fp), fp)
	}
}

func TestBindUnknownTemplate(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Bind("DROP_EVERYTHING", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("SELECT 1", []interface{}{"x"})
	b := Fingerprint("SELECT 1", []interface{}{"x"})
	if a != b {
		t.Errorf("fingerprint not deterministic: %q != %q", a, b)
	}
	c := Fingerprint("SELECT 1", []interface{}{"y"})
	if a == c {
		t.Error("fingerprint should differ for different params")
	}
}

func TestGetActiveCustomersRejectsOutOfRangeLimit(t *testing.T) {
	r, err := New()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, _, err := r.Bind("GET_ACTIVE_CUSTOMERS", []interface{}{now, int64(20000)}); err == nil {
		t.Error("expected rejection of limit above declared range")
	}
}
