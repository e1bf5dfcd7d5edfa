package payments

// Action is what the user should do next about a payment.
type Action string

const (
	ActionNoneNeeded             Action = "none"
	ActionRetryPayment           Action = "retry_payment"
	ActionCompleteAuthentication Action = "complete_authentication"
	ActionUpdatePaymentMethod    Action = "update_payment_method"
	ActionWait                   Action = "wait"
	ActionContactSupport         Action = "contact_support"
)

// Recommendation pairs an action with a user-facing message.
type Recommendation struct {
	Action  Action `json:"action"`
	Message string `json:"message"`
}

// recommendations maps each status to its default recommendation.
var recommendations = map[Status]Recommendation{
	StatusSucceeded: {
		Action:  ActionNoneNeeded,
		Message: "Your payment is complete.",
	},
	StatusRequiresAction: {
		Action:  ActionCompleteAuthentication,
		Message: "Your bank needs you to confirm this payment.",
	},
	StatusRequiresPaymentMethod: {
		Action:  ActionUpdatePaymentMethod,
		Message: "Your payment method was declined. Please add a different card.",
	},
	StatusProcessing: {
		Action:  ActionWait,
		Message: "Your payment is processing. This usually takes a few minutes.",
	},
	StatusCanceled: {
		Action:  ActionRetryPayment,
		Message: "Your payment was canceled. Please try again.",
	},
	StatusUnknown: {
		Action:  ActionContactSupport,
		Message: "We could not confirm your payment. Please contact support.",
	},
}

// Recommend is total: statuses outside the table get the unknown recommendation.
func Recommend(r VerificationResult) Recommendation {
	rec, ok := recommendations[r.Status]
	if !ok {
		return recommendations[StatusUnknown]
	}

	switch r.Status {
	case StatusRequiresAction:
		switch r.ActionType {
		case ActionTypeThreeDSecure:
			rec.Message = "Your bank needs you to complete 3-D Secure verification."
		case ActionTypeRedirect:
			rec.Message = "Finish the payment on your bank's page to continue."
		}
	case StatusRequiresPaymentMethod:
		if r.LastError != "" {
			rec.Message = r.LastError + " Please update your payment method."
		}
	}
	return rec
}
