package subscription

import (
	"strings"
	"time"

	"github.com/rcourtman/pulsefit/pkg/payments"
)

// DefaultFreeUseLimit is the free-tier allowance when none is configured.
const DefaultFreeUseLimit = 3

// Record is a user's subscription document as stored by the backend.
type Record struct {
	CustomerID         string                      `json:"customer_id,omitempty"`
	SubscriptionID     string                      `json:"subscription_id,omitempty"`
	PriceID            string                      `json:"price_id,omitempty"`
	Status             payments.SubscriptionStatus `json:"status,omitempty" validate:"omitempty,oneof=active trialing past_due canceled incomplete incomplete_expired unpaid"`
	CurrentPeriodStart int64                       `json:"current_period_start,omitempty" validate:"gte=0"` // epoch ms
	CurrentPeriodEnd   int64                       `json:"current_period_end,omitempty" validate:"gte=0"`   // epoch ms
	CancelAtPeriodEnd  bool                        `json:"cancel_at_period_end"`
	FreeUsesConsumed   int                         `json:"free_uses_consumed" validate:"gte=0"`
	FreeUseLimit       int                         `json:"free_use_limit" validate:"gte=0"`
	CreatedAt          int64                       `json:"created_at,omitempty"` // epoch ms
	UpdatedAt          int64                       `json:"updated_at,omitempty"` // epoch ms
}

// Unlimited reports whether the status lifts the free-use limit.
func (r *Record) Unlimited() bool {
	return r != nil && r.Status.GrantsUnlimitedUse()
}

// RemainingFreeUses returns the free uses left, or -1 when unlimited.
func (r *Record) RemainingFreeUses() int {
	if r == nil {
		return 0
	}
	if r.Unlimited() {
		return -1
	}
	if left := r.FreeUseLimit - r.FreeUsesConsumed; left > 0 {
		return left
	}
	return 0
}

// Clone returns a copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Normalize trims identifiers and canonicalizes the status in place.
func (r *Record) Normalize() *Record {
	if r == nil {
		return nil
	}
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	r.SubscriptionID = strings.TrimSpace(r.SubscriptionID)
	r.PriceID = strings.TrimSpace(r.PriceID)
	if raw := strings.TrimSpace(string(r.Status)); raw != "" {
		r.Status = payments.ParseSubscriptionStatus(raw)
	}
	return r
}

// FreeTierRecord is the record of a user with no subscription.
func FreeTierRecord(now time.Time, limit int) *Record {
	if limit <= 0 {
		limit = DefaultFreeUseLimit
	}
	ms := now.UnixMilli()
	return &Record{
		FreeUseLimit: limit,
		CreatedAt:    ms,
		UpdatedAt:    ms,
	}
}

// applyProcessorView overlays the processor's subscription onto r.
func (r *Record) applyProcessorView(sub payments.Subscription, now time.Time) {
	r.SubscriptionID = sub.ID
	if sub.CustomerID != "" {
		r.CustomerID = sub.CustomerID
	}
	if sub.PriceID != "" {
		r.PriceID = sub.PriceID
	}
	r.Status = sub.Status
	r.CurrentPeriodStart = sub.CurrentPeriodStart
	r.CurrentPeriodEnd = sub.CurrentPeriodEnd
	r.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	r.UpdatedAt = now.UnixMilli()
}
