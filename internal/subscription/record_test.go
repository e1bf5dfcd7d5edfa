package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/rcourtman/pulsefit/internal/errors"
	"github.com/rcourtman/pulsefit/pkg/payments"
)

func TestRemainingFreeUses(t *testing.T) {
	tests := []struct {
		name string
		rec  *Record
		want int
	}{
		{"nil", nil, 0},
		{"fresh", &Record{FreeUseLimit: 3}, 3},
		{"partially used", &Record{FreeUseLimit: 3, FreeUsesConsumed: 2}, 1},
		{"exhausted", &Record{FreeUseLimit: 3, FreeUsesConsumed: 5}, 0},
		{"active is unlimited", &Record{Status: payments.SubscriptionActive, FreeUseLimit: 3, FreeUsesConsumed: 9}, -1},
		{"trialing is unlimited", &Record{Status: payments.SubscriptionTrialing}, -1},
		{"past due is limited", &Record{Status: payments.SubscriptionPastDue, FreeUseLimit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.RemainingFreeUses())
		})
	}
}

func TestNormalizeAndClone(t *testing.T) {
	rec := &Record{CustomerID: " cus_1 ", SubscriptionID: "sub_1\n", Status: "Past_Due"}
	clone := rec.Clone().Normalize()

	assert.Equal(t, "cus_1", clone.CustomerID)
	assert.Equal(t, "sub_1", clone.SubscriptionID)
	assert.Equal(t, payments.SubscriptionPastDue, clone.Status)
	assert.Equal(t, " cus_1 ", rec.CustomerID, "clone must not alias the original")
}

func TestFreeTierRecord(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	rec := FreeTierRecord(now, 0)

	assert.Equal(t, DefaultFreeUseLimit, rec.FreeUseLimit)
	assert.Equal(t, now.UnixMilli(), rec.CreatedAt)
	assert.Empty(t, rec.SubscriptionID)
	assert.False(t, rec.Unlimited())
}

func TestApplyProcessorView(t *testing.T) {
	rec := &Record{CustomerID: "cus_old", FreeUsesConsumed: 2, FreeUseLimit: 3}
	rec.applyProcessorView(payments.Subscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             payments.SubscriptionActive,
		CurrentPeriodStart: 1000,
		CurrentPeriodEnd:   2000,
		CancelAtPeriodEnd:  true,
	}, time.UnixMilli(5000))

	assert.Equal(t, "sub_1", rec.SubscriptionID)
	assert.Equal(t, "cus_1", rec.CustomerID)
	assert.True(t, rec.CancelAtPeriodEnd)
	assert.Equal(t, int64(5000), rec.UpdatedAt)
	assert.Equal(t, 2, rec.FreeUsesConsumed)
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		assert.Empty(t, HealthCheck(&Record{FreeUseLimit: 3, FreeUsesConsumed: 3}))
		assert.Empty(t, HealthCheck(nil))
	})

	t.Run("usage over limit", func(t *testing.T) {
		issues := HealthCheck(&Record{FreeUseLimit: 3, FreeUsesConsumed: 4})
		require.Len(t, issues, 1)
		assert.Equal(t, "usage_within_limit", issues[0].Rule)
		assert.Contains(t, issues[0].Message, "exceed")
		assert.True(t, errors.Is(issues[0], perrors.ErrValidation))
	})

	t.Run("usage ignored when unlimited", func(t *testing.T) {
		assert.Empty(t, HealthCheck(&Record{Status: payments.SubscriptionActive, FreeUseLimit: 3, FreeUsesConsumed: 40}))
	})

	t.Run("period order", func(t *testing.T) {
		issues := HealthCheck(&Record{FreeUseLimit: 3, CurrentPeriodStart: 2000, CurrentPeriodEnd: 1000})
		require.Len(t, issues, 1)
		assert.Equal(t, "period_order", issues[0].Rule)
	})

	t.Run("unknown status", func(t *testing.T) {
		issues := HealthCheck(&Record{Status: "paused", FreeUseLimit: 3})
		require.Len(t, issues, 1)
		assert.Equal(t, "oneof", issues[0].Rule)
	})

	t.Run("negative counters", func(t *testing.T) {
		issues := HealthCheck(&Record{FreeUseLimit: -1})
		require.NotEmpty(t, issues)
		assert.Equal(t, "gte", issues[0].Rule)
	})
}
