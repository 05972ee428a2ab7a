package util

import (
	"errors"
	"testing"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		prefix string
		want   string
	}{
		{"bare local number", "5512345678", "521", "5215512345678"},
		{"already prefixed", "5215512345678", "521", "5215512345678"},
		{"chat address", "5215512345678@s.whatsapp.net", "521", "5215512345678"},
		{"formatted", "+52 (1) 55-1234-5678", "521", "5215512345678"},
		{"no prefix configured", "5512345678", "", "5512345678"},
		{"empty", "", "521", ""},
		{"no digits", "abc", "521", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalPhone(tt.raw, tt.prefix); got != tt.want {
				t.Errorf("CanonicalPhone(%q, %q) = %q, want %q", tt.raw, tt.prefix, got, tt.want)
			}
		})
	}
}

func TestCanonicalPhoneIsIdempotent(t *testing.T) {
	once := CanonicalPhone("55 1234 5678", DefaultDialingPrefix)
	twice := CanonicalPhone(once, DefaultDialingPrefix)
	if once != twice {
		t.Errorf("expected idempotent canonicalization, got %q then %q", once, twice)
	}
}

func TestValidateCanonicalPhone(t *testing.T) {
	if _, err := ValidateCanonicalPhone("12", ""); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
	got, err := ValidateCanonicalPhone("5512345678", DefaultDialingPrefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ChatAddress(got) != "5215512345678@s.whatsapp.net" {
		t.Errorf("unexpected chat address %q", ChatAddress(got))
	}
}
