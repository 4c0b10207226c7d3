package insurers

import (
	"context"
	"fmt"
	"math/big"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/invoiceitem"

	"github.com/mbd888/claimpay/internal/usdc"
)

// StripeBiller bills platform fees through Stripe invoice items, collected
// on the insurer's monthly invoice.
type StripeBiller struct{}

// NewStripeBiller configures the global Stripe client key and returns a biller.
func NewStripeBiller(secretKey string) *StripeBiller {
	stripe.Key = secretKey
	return &StripeBiller{}
}

func (b *StripeBiller) EnsureCustomer(ctx context.Context, ins *Insurer) (string, error) {
	if ins.StripeCustomerID != "" {
		return ins.StripeCustomerID, nil
	}
	params := &stripe.CustomerParams{
		Name:  stripe.String(ins.Name),
		Email: stripe.String(ins.Email),
		Metadata: map[string]string{
			"account_addr": ins.AccountAddr,
		},
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe customer: %w", err)
	}
	return cust.ID, nil
}

func (b *StripeBiller) RecordSettlementFee(ctx context.Context, customerID, claimID, fee string) error {
	cents, err := dollarsToCents(fee)
	if err != nil {
		return err
	}
	params := &stripe.InvoiceItemParams{
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Description: stripe.String("Claim settlement fee (" + claimID + ")"),
		Metadata: map[string]string{
			"claim_id": claimID,
		},
	}
	params.Context = ctx
	if _, err := invoiceitem.New(params); err != nil {
		return fmt.Errorf("stripe invoice item: %w", err)
	}
	return nil
}

// dollarsToCents converts a decimal USD string to integer cents.
func dollarsToCents(amount string) (int64, error) {
	micro, ok := usdc.Parse(amount)
	if !ok {
		return 0, fmt.Errorf("invalid fee amount %q", amount)
	}
	cents := new(big.Int).Div(micro, big.NewInt(10_000))
	return cents.Int64(), nil
}
