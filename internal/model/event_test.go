package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateActivity(t *testing.T) {
	cases := []struct {
		activity string
		ok       bool
	}{
		{"actcore.log_event", true},
		{"a.b.c", true},
		{"noDot", false},
		{"Actcore.LogEvent", false},
		{"", false},
		{".leading", false},
	}
	for _, c := range cases {
		err := ValidateActivity(c.activity)
		if (err == nil) != c.ok {
			t.Errorf("ValidateActivity(%q) err=%v, want ok=%v", c.activity, err, c.ok)
		}
	}
}

func TestValidateCustomer(t *testing.T) {
	if err := ValidateCustomer(""); err == nil {
		t.Error("expected error for empty customer")
	}
	if err := ValidateCustomer(strings.Repeat("a", MaxCustomerLen+1)); err == nil {
		t.Error("expected error for oversized customer")
	}
	if err := ValidateCustomer(strings.Repeat("a", MaxCustomerLen)); err != nil {
		t.Errorf("unexpected error at exact boundary: %v", err)
	}
}

func TestValidateFeaturesSizeBoundary(t *testing.T) {
	// Build a JSON object whose serialized size is exactly MaxFeaturesBytes.
	pad := MaxFeaturesBytes - len(`{"k":""}`)
	raw := []byte(`{"k":"` + strings.Repeat("a", pad) + `"}`)
	if len(raw) != MaxFeaturesBytes {
		t.Fatalf("test setup: got %d bytes, want %d", len(raw), MaxFeaturesBytes)
	}
	if err := ValidateFeatures(raw); err != nil {
		t.Errorf("exact boundary should be accepted: %v", err)
	}

	over := append(bytes.Clone(raw[:len(raw)-2]), []byte(`aa"}`)...)
	if len(over) <= MaxFeaturesBytes {
		t.Fatalf("test setup: over-budget case not actually larger")
	}
	if err := ValidateFeatures(over); err == nil {
		t.Error("over-budget features should be rejected")
	}
}

func TestValidateFeaturesDepthBoundary(t *testing.T) {
	depth := func(n int) json.RawMessage {
		v := interface{}("leaf")
		for i := 0; i < n-1; i++ {
			v = map[string]interface{}{"k": v}
		}
		raw, _ := json.Marshal(map[string]interface{}{"k": v})
		return raw
	}
	if err := ValidateFeatures(depth(MaxFeaturesDepth)); err != nil {
		t.Errorf("depth %d should be accepted: %v", MaxFeaturesDepth, err)
	}
	if err := ValidateFeatures(depth(MaxFeaturesDepth + 1)); err == nil {
		t.Errorf("depth %d should be rejected", MaxFeaturesDepth+1)
	}
}

func TestValidateFeaturesReservedKeys(t *testing.T) {
	raw := []byte(`{"__proto__": {"polluted": true}}`)
	if err := ValidateFeatures(raw); err == nil {
		t.Error("expected rejection of reserved key")
	}
}

func TestValidateFeaturesRejectsNonObject(t *testing.T) {
	if err := ValidateFeatures([]byte(`[1,2,3]`)); err == nil {
		t.Error("expected rejection of non-object top level")
	}
}

func TestValidateProvenanceHash(t *testing.T) {
	cases := []struct {
		hash string
		ok   bool
	}{
		{strings.Repeat("a", 16), true},
		{strings.Repeat("a", 15), false},
		{strings.Repeat("a", 17), false},
		{"0123456789abcdef", true},
		{"0123456789abcdeg", false}, // 'g' not hex
	}
	for _, c := range cases {
		err := ValidateProvenanceHash(c.hash)
		if (err == nil) != c.ok {
			t.Errorf("ValidateProvenanceHash(%q) err=%v, want ok=%v", c.hash, err, c.ok)
		}
	}
}
