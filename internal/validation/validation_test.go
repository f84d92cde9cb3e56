package validation

import (
	"strings"
	"testing"
)

func TestIsValidCode(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{
			name:  "issued format",
			code:  "ABCD-1234",
			valid: true,
		},
		{
			name:  "lowercase from external issuer",
			code:  "abcd-1234",
			valid: true,
		},
		{
			name:  "underscore and mixed case",
			code:  "Promo_2026",
			valid: true,
		},
		{
			name:  "empty",
			code:  "",
			valid: false,
		},
		{
			name:  "too long",
			code:  strings.Repeat("A", maxCodeLen+1),
			valid: false,
		},
		{
			name:  "control character",
			code:  "ABCD\n1234",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidCode(tt.code); got != tt.valid {
				t.Fatalf("IsValidCode(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  abcd-1234\n"); got != "abcd-1234" {
		t.Fatalf("NormalizeCode() = %q", got)
	}
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{name: "short", id: "u1", valid: true},
		{name: "uuid", id: "5f0c2a5e-7d3b-4b43-9c1e-2f1f3c4d5e6f", valid: true},
		{name: "empty", id: "", valid: false},
		{name: "whitespace", id: "u 1", valid: false},
		{name: "control", id: "u\x001", valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidID(tt.id); got != tt.valid {
				t.Fatalf("IsValidID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}

func TestIsValidReason(t *testing.T) {
	long := make([]byte, maxReasonLen+1)
	for i := range long {
		long[i] = 'x'
	}

	if !IsValidReason("payment not received") {
		t.Fatalf("short reason must be valid")
	}
	if IsValidReason(string(long)) {
		t.Fatalf("too long reason must be invalid")
	}
}
