package validation

import "testing"

func TestIsValidEthAddress(t *testing.T) {
	valid := []string{
		"0x1234567890abcdef1234567890abcdef12345678",
		"0xABCDEF1234567890abcdef1234567890ABCDEF12",
	}
	invalid := []string{
		"",
		"0x123",
		"1234567890abcdef1234567890abcdef12345678",
		"0x1234567890abcdef1234567890abcdef1234567g",
		"0x1234567890abcdef1234567890abcdef123456789",
	}

	for _, a := range valid {
		if !IsValidEthAddress(a) {
			t.Errorf("expected valid: %s", a)
		}
	}
	for _, a := range invalid {
		if IsValidEthAddress(a) {
			t.Errorf("expected invalid: %s", a)
		}
	}
}

func TestIsValidClaimID(t *testing.T) {
	if !IsValidClaimID("clm_0123456789abcdef0123456789abcdef") {
		t.Error("well-formed claim id rejected")
	}
	for _, id := range []string{"", "clm_", "clm_xyz", "esc_0123456789abcdef0123456789abcdef", "clm_0123456789ABCDEF0123456789abcdef"} {
		if IsValidClaimID(id) {
			t.Errorf("expected invalid: %s", id)
		}
	}
}

func TestValidAmount(t *testing.T) {
	valid := []string{"1", "0.5", "1000", "950.25", "0.000001"}
	invalid := []string{"0", "0.0", "-1", "1.2.3", ".5", "5.", "abc", "1,5"}

	for _, v := range valid {
		if err := ValidAmount("amount", v)(); err != nil {
			t.Errorf("expected valid %q, got error: %s", v, err.Message)
		}
	}
	for _, v := range invalid {
		if err := ValidAmount("amount", v)(); err == nil {
			t.Errorf("expected invalid: %q", v)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("claimant_addr", ""),
		ValidAddress("recipient", "not-an-address"),
		ValidAmount("amount", "0"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
}

func TestSanitizeAddress(t *testing.T) {
	got := SanitizeAddress("  1234567890ABCDEF1234567890abcdef12345678 ")
	want := "0x1234567890abcdef1234567890abcdef12345678"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSanitizeString(t *testing.T) {
	got := SanitizeString("  water damage\x00 claim  ", 11)
	if got != "water damag" {
		t.Errorf("got %q", got)
	}
}
