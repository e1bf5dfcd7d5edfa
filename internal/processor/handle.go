package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	perrors "github.com/rcourtman/pulsefit/internal/errors"
	"github.com/rcourtman/pulsefit/pkg/payments"
)

// Handle initializes a processor in the background. Every call waits for
// initialization to finish or for its context to end.
type Handle struct {
	ready chan struct{}
	once  sync.Once

	api API
	err error
}

var _ API = (*Handle)(nil)

// Start runs init on its own goroutine and returns immediately.
func Start(ctx context.Context, init func(context.Context) (API, error)) *Handle {
	h := &Handle{ready: make(chan struct{})}
	go func() {
		api, err := init(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Payment processor initialization failed")
		} else {
			log.Debug().Msg("Payment processor ready")
		}
		h.settle(api, err)
	}()
	return h
}

// StartStripe starts a handle around a Stripe bridge.
func StartStripe(ctx context.Context, cfg Config) *Handle {
	return Start(ctx, func(context.Context) (API, error) {
		b, err := NewBridge(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

func (h *Handle) settle(api API, err error) {
	h.once.Do(func() {
		h.api = api
		h.err = err
		close(h.ready)
	})
}

// Ready blocks until initialization finishes. It returns ErrNotReady when
// ctx ends first.
func (h *Handle) Ready(ctx context.Context) (API, error) {
	select {
	case <-h.ready:
		return h.api, h.err
	default:
	}

	select {
	case <-h.ready:
		return h.api, h.err
	case <-ctx.Done():
		return nil, perrors.Transient("processor.ready", fmt.Errorf("%w: %v", perrors.ErrNotReady, ctx.Err()))
	}
}

// IsReady reports whether initialization has finished, successfully or not.
func (h *Handle) IsReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// GetStatus waits for the processor and fetches the subscription status bundle.
func (h *Handle) GetStatus(ctx context.Context, subscriptionID string) (*payments.StatusBundle, error) {
	api, err := h.Ready(ctx)
	if err != nil {
		return nil, err
	}
	return api.GetStatus(ctx, subscriptionID)
}

// Cancel schedules cancellation at period end.
func (h *Handle) Cancel(ctx context.Context, subscriptionID string) error {
	api, err := h.Ready(ctx)
	if err != nil {
		return err
	}
	return api.Cancel(ctx, subscriptionID)
}

// Reactivate undoes a pending cancellation.
func (h *Handle) Reactivate(ctx context.Context, subscriptionID string) error {
	api, err := h.Ready(ctx)
	if err != nil {
		return err
	}
	return api.Reactivate(ctx, subscriptionID)
}

// CreatePaymentIntent starts a one-off payment for priceID on behalf of customerID.
func (h *Handle) CreatePaymentIntent(ctx context.Context, customerID, priceID string) (*payments.PaymentIntent, error) {
	api, err := h.Ready(ctx)
	if err != nil {
		return nil, err
	}
	return api.CreatePaymentIntent(ctx, customerID, priceID)
}

// PortalURL returns a billing portal session link that sends the customer
// back to returnURL when they are done.
func (h *Handle) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	api, err := h.Ready(ctx)
	if err != nil {
		return "", err
	}
	return api.PortalURL(ctx, customerID, returnURL)
}
