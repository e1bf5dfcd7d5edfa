// Package processor bridges subscription operations to Stripe.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/price"
	"github.com/stripe/stripe-go/v82/subscription"
	"golang.org/x/time/rate"

	perrors "github.com/rcourtman/pulsefit/internal/errors"
	"github.com/rcourtman/pulsefit/pkg/payments"
)

// API is the set of processor calls the subscription service makes.
type API interface {
	GetStatus(ctx context.Context, subscriptionID string) (*payments.StatusBundle, error)
	Cancel(ctx context.Context, subscriptionID string) error
	Reactivate(ctx context.Context, subscriptionID string) error
	CreatePaymentIntent(ctx context.Context, customerID, priceID string) (*payments.PaymentIntent, error)
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

// Config configures the Stripe bridge.
type Config struct {
	APIKey string
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Bridge talks to Stripe through its package-level resource clients.
type Bridge struct {
	limiter *rate.Limiter

	getSubscription     func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	updateSubscription  func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	getPrice            func(id string, params *stripe.PriceParams) (*stripe.Price, error)
	createPaymentIntent func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	getPaymentIntent    func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	createPortalSession func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

var _ API = (*Bridge)(nil)

// NewBridge sets the Stripe key and returns a bridge. An empty key is an
// authentication error.
func NewBridge(cfg Config) (*Bridge, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, perrors.NewOperationError(perrors.ErrorTypeAuthMissing, "processor.init", "",
			errors.New("stripe api key not configured")).
			WithRemediation("set PULSEFIT_STRIPE_API_KEY")
	}
	stripe.Key = key

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Bridge{
		limiter:             rate.NewLimiter(limit, burst),
		getSubscription:     subscription.Get,
		updateSubscription:  subscription.Update,
		getPrice:            price.Get,
		createPaymentIntent: paymentintent.New,
		getPaymentIntent:    paymentintent.Get,
		createPortalSession: portalsession.New,
	}, nil
}

func (b *Bridge) wait(ctx context.Context, op string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", op, err)
	}
	return nil
}

// GetStatus fetches the subscription, its latest invoice and, when the
// invoice is open, the payment intent attached to that invoice.
func (b *Bridge) GetStatus(ctx context.Context, subscriptionID string) (*payments.StatusBundle, error) {
	const op = "processor.get_status"
	if err := b.wait(ctx, op); err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("latest_invoice.payments")
	sub, err := b.getSubscription(subscriptionID, params)
	if err != nil {
		return nil, mapError(op, err)
	}

	bundle := &payments.StatusBundle{Subscription: convertSubscription(sub)}
	if sub.LatestInvoice == nil {
		return bundle, nil
	}
	bundle.LatestInvoice = convertInvoice(sub.LatestInvoice)
	if bundle.LatestInvoice.Status != payments.InvoiceOpen {
		return bundle, nil
	}

	intentID := invoicePaymentIntentID(sub.LatestInvoice)
	if intentID == "" {
		return bundle, nil
	}
	if err := b.wait(ctx, op); err != nil {
		return nil, err
	}
	piParams := &stripe.PaymentIntentParams{}
	piParams.Context = ctx
	pi, err := b.getPaymentIntent(intentID, piParams)
	if err != nil {
		return nil, mapError(op, err)
	}
	bundle.PaymentIntent = convertPaymentIntent(pi)
	return bundle, nil
}

// invoicePaymentIntentID picks the invoice's default payment intent, or its
// first one when none is marked default. Intents created outside the invoice
// never appear here.
func invoicePaymentIntentID(inv *stripe.Invoice) string {
	if inv.Payments == nil {
		return ""
	}
	var first string
	for _, p := range inv.Payments.Data {
		if p == nil || p.Payment == nil || p.Payment.PaymentIntent == nil || p.Payment.PaymentIntent.ID == "" {
			continue
		}
		if p.IsDefault {
			return p.Payment.PaymentIntent.ID
		}
		if first == "" {
			first = p.Payment.PaymentIntent.ID
		}
	}
	return first
}

// Cancel schedules cancellation at period end.
func (b *Bridge) Cancel(ctx context.Context, subscriptionID string) error {
	return b.setCancelAtPeriodEnd(ctx, "processor.cancel", subscriptionID, true)
}

// Reactivate clears a scheduled cancellation.
func (b *Bridge) Reactivate(ctx context.Context, subscriptionID string) error {
	return b.setCancelAtPeriodEnd(ctx, "processor.reactivate", subscriptionID, false)
}

func (b *Bridge) setCancelAtPeriodEnd(ctx context.Context, op, subscriptionID string, cancel bool) error {
	if err := b.wait(ctx, op); err != nil {
		return err
	}
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	params.Context = ctx
	sub, err := b.updateSubscription(subscriptionID, params)
	if err != nil {
		return mapError(op, err)
	}
	log.Info().
		Str("subscription_id", sub.ID).
		Bool("cancel_at_period_end", sub.CancelAtPeriodEnd).
		Msg("Updated Stripe subscription")
	return nil
}

// CreatePaymentIntent prices an intent from priceID for customerID.
func (b *Bridge) CreatePaymentIntent(ctx context.Context, customerID, priceID string) (*payments.PaymentIntent, error) {
	const op = "processor.create_payment_intent"
	if err := b.wait(ctx, op); err != nil {
		return nil, err
	}

	priceParams := &stripe.PriceParams{}
	priceParams.Context = ctx
	p, err := b.getPrice(priceID, priceParams)
	if err != nil {
		return nil, mapError(op, err)
	}
	if p.UnitAmount <= 0 {
		return nil, perrors.NewOperationError(perrors.ErrorTypeValidation, op, "",
			fmt.Errorf("price %s has no unit amount", priceID))
	}

	if err := b.wait(ctx, op); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.UnitAmount),
		Currency: stripe.String(string(p.Currency)),
		Customer: stripe.String(customerID),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("price_id", priceID)

	pi, err := b.createPaymentIntent(params)
	if err != nil {
		return nil, mapError(op, err)
	}
	return convertPaymentIntent(pi), nil
}

// PortalURL opens a billing portal session for customerID.
func (b *Bridge) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	const op = "processor.portal_url"
	if err := b.wait(ctx, op); err != nil {
		return "", err
	}

	params := &stripe.BillingPortalSessionParams{Customer: stripe.String(customerID)}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	params.Context = ctx
	sess, err := b.createPortalSession(params)
	if err != nil {
		return "", mapError(op, err)
	}
	return sess.URL, nil
}

func convertSubscription(sub *stripe.Subscription) payments.Subscription {
	out := payments.Subscription{
		ID:                sub.ID,
		Status:            payments.ParseSubscriptionStatus(string(sub.Status)),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = secondsToMillis(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = secondsToMillis(item.CurrentPeriodEnd)
	}
	return out
}

func convertInvoice(inv *stripe.Invoice) *payments.Invoice {
	return &payments.Invoice{
		ID:        inv.ID,
		Status:    payments.InvoiceStatus(inv.Status),
		AmountDue: inv.AmountDue,
		Currency:  string(inv.Currency),
	}
}

func convertPaymentIntent(pi *stripe.PaymentIntent) *payments.PaymentIntent {
	out := &payments.PaymentIntent{
		ID:           pi.ID,
		Status:       payments.IntentStatus(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		ClientSecret: pi.ClientSecret,
	}
	if pi.NextAction != nil {
		out.NextActionType = string(pi.NextAction.Type)
	}
	if pi.LastPaymentError != nil {
		out.LastErrorMessage = pi.LastPaymentError.Msg
	}
	return out
}

func secondsToMillis(s int64) int64 {
	if s <= 0 {
		return 0
	}
	return time.Unix(s, 0).UnixMilli()
}

// mapError classifies Stripe API errors by HTTP status so the executor
// retries only what is transient.
func mapError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		opErr := perrors.NewOperationError(perrors.ErrorTypeInternal, op, "", err)
		if stripeErr.HTTPStatusCode == 0 {
			opErr.Type = perrors.ErrorTypeTransient
			opErr.Retryable = true
			return opErr
		}
		return opErr.WithStatusCode(stripeErr.HTTPStatusCode)
	}
	if perrors.IsRetryableError(err) {
		return perrors.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
