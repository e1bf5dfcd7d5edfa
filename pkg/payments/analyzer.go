// Package payments derives one canonical payment status from the
// subscription, latest invoice and payment intent a processor reports.
package payments

// Status is the canonical payment status.
type Status string

const (
	StatusSucceeded             Status = "succeeded"
	StatusRequiresAction        Status = "requires_action"
	StatusRequiresPaymentMethod Status = "requires_payment_method"
	StatusProcessing            Status = "processing"
	StatusCanceled              Status = "canceled"
	StatusUnknown               Status = "unknown"
)

// AllStatuses lists every status Analyze can return.
var AllStatuses = []Status{
	StatusSucceeded,
	StatusRequiresAction,
	StatusRequiresPaymentMethod,
	StatusProcessing,
	StatusCanceled,
	StatusUnknown,
}

// ActionType refines StatusRequiresAction.
type ActionType string

const (
	ActionTypeNone         ActionType = ""
	ActionTypeThreeDSecure ActionType = "three_d_secure"
	ActionTypeRedirect     ActionType = "redirect"
	ActionTypeOther        ActionType = "other"
)

// VerificationResult is derived on demand and never persisted.
type VerificationResult struct {
	Status          Status     `json:"status"`
	ActionType      ActionType `json:"action_type,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Reason          string     `json:"reason"`
	SubscriptionID  string     `json:"subscription_id,omitempty"`
	InvoiceID       string     `json:"invoice_id,omitempty"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	Amount          int64      `json:"amount,omitempty"`
	Currency        string     `json:"currency,omitempty"`
}

// AnalyzeBundle is Analyze over a bridge response.
func AnalyzeBundle(b StatusBundle) VerificationResult {
	return Analyze(b.Subscription, b.LatestInvoice, b.PaymentIntent)
}

// Analyze applies the rules in order; the first match wins. Subscription
// status is checked before the invoice and intent.
func Analyze(sub Subscription, inv *Invoice, pi *PaymentIntent) VerificationResult {
	result := VerificationResult{SubscriptionID: sub.ID}
	if inv != nil {
		result.InvoiceID = inv.ID
		result.Amount = inv.AmountDue
		result.Currency = inv.Currency
	}
	if pi != nil {
		result.PaymentIntentID = pi.ID
		result.Amount = pi.Amount
		result.Currency = pi.Currency
	}

	switch {
	case sub.Status.GrantsUnlimitedUse():
		return result.with(StatusSucceeded, "subscription "+string(sub.Status))
	case inv == nil && sub.Status == SubscriptionTrialing:
		// Shadowed by the first case.
		return result.with(StatusSucceeded, "trial without invoice")
	case inv == nil:
		return result.with(StatusUnknown, "no invoice")
	case inv.Status == InvoicePaid:
		return result.with(StatusSucceeded, "invoice paid")
	case inv.Status == InvoiceOpen && pi != nil:
		return analyzeIntent(result, pi)
	case inv.Status == InvoiceOpen:
		return result.with(StatusRequiresPaymentMethod, "open invoice without payment intent")
	default:
		return result.with(StatusUnknown, "invoice "+string(inv.Status))
	}
}

func analyzeIntent(result VerificationResult, pi *PaymentIntent) VerificationResult {
	switch pi.Status {
	case IntentSucceeded:
		return result.with(StatusSucceeded, "payment intent succeeded")
	case IntentRequiresAction:
		result.ActionType = actionTypeFor(pi.NextActionType)
		return result.with(StatusRequiresAction, "payment intent requires action")
	case IntentRequiresPaymentMethod:
		result.LastError = pi.LastErrorMessage
		return result.with(StatusRequiresPaymentMethod, "payment intent requires payment method")
	case IntentProcessing:
		return result.with(StatusProcessing, "payment intent processing")
	case IntentCanceled:
		return result.with(StatusCanceled, "payment intent canceled")
	default:
		return result.with(StatusUnknown, "payment intent "+string(pi.Status))
	}
}

func actionTypeFor(nextAction string) ActionType {
	switch nextAction {
	case NextActionUseSDK:
		return ActionTypeThreeDSecure
	case NextActionRedirectToURL:
		return ActionTypeRedirect
	default:
		return ActionTypeOther
	}
}

func (r VerificationResult) with(status Status, reason string) VerificationResult {
	r.Status = status
	r.Reason = reason
	return r
}
