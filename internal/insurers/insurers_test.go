package insurers

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type stubBiller struct {
	customerID string
	custErr    error
	fees       []string // "customerID:claimID:fee"
	feeErr     error
}

func (s *stubBiller) EnsureCustomer(ctx context.Context, ins *Insurer) (string, error) {
	if s.custErr != nil {
		return "", s.custErr
	}
	return s.customerID, nil
}

func (s *stubBiller) RecordSettlementFee(ctx context.Context, customerID, claimID, fee string) error {
	if s.feeErr != nil {
		return s.feeErr
	}
	s.fees = append(s.fees, customerID+":"+claimID+":"+fee)
	return nil
}

const insurerAddr = "0xDDD0000000000000000000000000000000000004"

func TestRegisterAndToggle(t *testing.T) {
	biller := &stubBiller{customerID: "cus_123"}
	svc := NewService(NewMemoryStore(), biller, "0.25", slog.Default())
	ctx := context.Background()

	ins, err := svc.Register(ctx, RegisterRequest{AccountAddr: insurerAddr, Name: "Acme Mutual"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ins.SettlementsEnabled {
		t.Error("settlements must start disabled")
	}
	if ins.StripeCustomerID != "cus_123" {
		t.Errorf("stripe customer = %s, want cus_123", ins.StripeCustomerID)
	}

	if svc.SettlementsEnabled(ctx, insurerAddr) {
		t.Error("SettlementsEnabled should be false before enablement")
	}

	if _, err := svc.SetSettlementsEnabled(ctx, insurerAddr, true); err != nil {
		t.Fatalf("SetSettlementsEnabled: %v", err)
	}
	if !svc.SettlementsEnabled(ctx, insurerAddr) {
		t.Error("SettlementsEnabled should be true after enablement")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, "", slog.Default())
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{AccountAddr: insurerAddr, Name: "Acme"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, RegisterRequest{AccountAddr: insurerAddr, Name: "Acme"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Register = %v, want ErrAlreadyExists", err)
	}
}

func TestRegisterSurvivesBillingFailure(t *testing.T) {
	biller := &stubBiller{custErr: errors.New("stripe down")}
	svc := NewService(NewMemoryStore(), biller, "0.25", slog.Default())

	ins, err := svc.Register(context.Background(), RegisterRequest{AccountAddr: insurerAddr, Name: "Acme"})
	if err != nil {
		t.Fatalf("Register should not fail on billing errors: %v", err)
	}
	if ins.StripeCustomerID != "" {
		t.Error("customer id should be empty after billing failure")
	}
}

func TestUnknownInsurerDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, "", slog.Default())
	if svc.SettlementsEnabled(context.Background(), "0x9990000000000000000000000000000000000009") {
		t.Error("unknown insurers must not have settlements enabled")
	}
}

func TestChargeSettlementFee(t *testing.T) {
	biller := &stubBiller{customerID: "cus_123"}
	svc := NewService(NewMemoryStore(), biller, "0.25", slog.Default())
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterRequest{AccountAddr: insurerAddr, Name: "Acme"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc.ChargeSettlementFee(ctx, insurerAddr, "clm_abc")
	if len(biller.fees) != 1 || biller.fees[0] != "cus_123:clm_abc:0.25" {
		t.Errorf("fees = %v", biller.fees)
	}

	// Fee failures are swallowed
	biller.feeErr = errors.New("card declined")
	svc.ChargeSettlementFee(ctx, insurerAddr, "clm_def")
}

func TestDollarsToCents(t *testing.T) {
	cases := map[string]int64{
		"0.25":  25,
		"1":     100,
		"12.50": 1250,
	}
	for in, want := range cases {
		got, err := dollarsToCents(in)
		if err != nil {
			t.Errorf("dollarsToCents(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("dollarsToCents(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := dollarsToCents("bogus"); err == nil {
		t.Error("expected error for invalid fee")
	}
}
