package payments

import "strings"

// SubscriptionStatus mirrors the processor's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

// ParseSubscriptionStatus normalizes a raw status. Unrecognized values map to
// incomplete so they never grant paid access.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch s := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled,
		SubscriptionIncomplete, SubscriptionIncompleteExpired, SubscriptionUnpaid:
		return s
	default:
		return SubscriptionIncomplete
	}
}

// GrantsUnlimitedUse reports whether the status lifts the free-use limit.
func (s SubscriptionStatus) GrantsUnlimitedUse() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// InvoiceStatus mirrors the processor's invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
	InvoiceVoid          InvoiceStatus = "void"
)

// IntentStatus mirrors the processor's payment intent lifecycle.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentProcessing            IntentStatus = "processing"
	IntentCanceled              IntentStatus = "canceled"
)

// Next-action types reported on an intent that requires action.
const (
	NextActionUseSDK        = "use_stripe_sdk"
	NextActionRedirectToURL = "redirect_to_url"
)

// Subscription is the processor's view of a subscription.
type Subscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id,omitempty"`
	PriceID            string             `json:"price_id,omitempty"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart int64              `json:"current_period_start,omitempty"` // epoch ms
	CurrentPeriodEnd   int64              `json:"current_period_end,omitempty"`   // epoch ms
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// Invoice is the latest invoice of a subscription.
type Invoice struct {
	ID        string        `json:"id"`
	Status    InvoiceStatus `json:"status"`
	AmountDue int64         `json:"amount_due"`
	Currency  string        `json:"currency,omitempty"`
}

// PaymentIntent is the intent collecting an invoice.
type PaymentIntent struct {
	ID               string       `json:"id"`
	Status           IntentStatus `json:"status"`
	NextActionType   string       `json:"next_action_type,omitempty"`
	LastErrorMessage string       `json:"last_error_message,omitempty"`
	Amount           int64        `json:"amount"`
	Currency         string       `json:"currency,omitempty"`
	ClientSecret     string       `json:"client_secret,omitempty"`
}

// StatusBundle is what the processor bridge returns for a subscription id.
type StatusBundle struct {
	Subscription  Subscription   `json:"subscription"`
	LatestInvoice *Invoice       `json:"latest_invoice,omitempty"`
	PaymentIntent *PaymentIntent `json:"payment_intent,omitempty"`
}
