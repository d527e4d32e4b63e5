package payments

import (
	"context"
	"fmt"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

// Fare amounts in the smallest currency unit.
const (
	MonthlyFareCents int64 = 4500
	PerRideFareCents int64 = 250
	FareCurrency           = "usd"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent
// hold/capture/cancel flows on subscription fares.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// HoldFare creates a PaymentIntent with capture_method=manual for the fare
// of the given subscription type. It returns the PaymentIntent ID on success.
func (s *StripeClient) HoldFare(ctx context.Context, typ models.SubscriptionType, customerID string) (string, error) {
	amount, err := fareFor(typ)
	if err != nil {
		return "", err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(FareCurrency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}

func fareFor(typ models.SubscriptionType) (int64, error) {
	switch typ {
	case models.TypeMonthly:
		return MonthlyFareCents, nil
	case models.TypePerRide:
		return PerRideFareCents, nil
	}
	return 0, fmt.Errorf("unknown subscription type %q", typ)
}
