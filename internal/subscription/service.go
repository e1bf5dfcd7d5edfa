// Package subscription is the canonical accessor and mutator of a user's
// subscription state. Reads are cached and deduplicated; remote calls run
// through the resilient executor with an ordered fallback chain.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulsefit/internal/circuit"
	perrors "github.com/rcourtman/pulsefit/internal/errors"
	"github.com/rcourtman/pulsefit/internal/metrics"
	"github.com/rcourtman/pulsefit/internal/requests"
	"github.com/rcourtman/pulsefit/internal/resilience"
	"github.com/rcourtman/pulsefit/pkg/payments"
)

// Sources a State can come from.
const (
	SourceAuthoritativeStore    = "authoritative_store"
	SourceProcessorVerification = "processor_verification"
	SourceLocalSnapshot         = "local_snapshot"
	SourceSynthesizedDefault    = "synthesized_default"
	SourcePush                  = "push"
)

const cacheKeyPrefix = "subscription:"

// RecordStore is the durable backend holding subscription records.
// WatchRecord must return without invoking its callbacks synchronously.
type RecordStore interface {
	ReadRecord(ctx context.Context, userID string) (*Record, error)
	WriteRecord(ctx context.Context, userID string, patch map[string]any, merge bool) error
	WatchRecord(userID string, onChange func(*Record), onError func(error)) (unsubscribe func())
}

// Processor is the payment-processor bridge.
type Processor interface {
	GetStatus(ctx context.Context, subscriptionID string) (*payments.StatusBundle, error)
	Cancel(ctx context.Context, subscriptionID string) error
	Reactivate(ctx context.Context, subscriptionID string) error
	CreatePaymentIntent(ctx context.Context, customerID, priceID string) (*payments.PaymentIntent, error)
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}

// SnapshotStore persists the last confirmed record per user locally.
// Load returns a nil record when nothing is stored.
type SnapshotStore interface {
	Load(ctx context.Context, userID string) (*Record, time.Time, error)
	Save(ctx context.Context, userID string, record *Record) error
}

// Session identifies the signed-in user. An empty id means signed out.
type Session interface {
	UserID(ctx context.Context) string
}

// StaticSession is a Session for a fixed user.
type StaticSession string

// UserID returns the fixed user id.
func (s StaticSession) UserID(context.Context) string { return string(s) }

// State is a subscription record tagged with where it came from.
type State struct {
	UserID       string                       `json:"user_id"`
	Record       *Record                      `json:"record"`
	Source       string                       `json:"source"`
	Confirmed    bool                         `json:"confirmed"`
	FetchedAt    time.Time                    `json:"fetched_at"`
	Verification *payments.VerificationResult `json:"verification,omitempty"`
	Issues       []ValidationError            `json:"issues,omitempty"`
}

// MutationResult describes how a mutation was confirmed.
type MutationResult struct {
	Operation string `json:"operation"`
	Method    string `json:"method"`
	Attempts  int    `json:"attempts"`
}

// Verification is a fresh processor-side payment check.
type Verification struct {
	Result         payments.VerificationResult `json:"result"`
	Recommendation payments.Recommendation     `json:"recommendation"`
}

// Config tunes the service.
type Config struct {
	CacheTTL                time.Duration
	Policy                  resilience.Policy
	FreeUseLimit            int
	AllowSynthesizedDefault bool
	PortalReturnURL         string
}

// DefaultConfig returns a five minute cache and the default retry policy.
func DefaultConfig() Config {
	return Config{
		CacheTTL:                5 * time.Minute,
		Policy:                  resilience.DefaultPolicy(),
		FreeUseLimit:            DefaultFreeUseLimit,
		AllowSynthesizedDefault: true,
	}
}

// Dependencies are the collaborators a Service needs. Snapshots may be nil.
type Dependencies struct {
	Store     RecordStore
	Processor Processor
	Snapshots SnapshotStore
	Session   Session
	Executor  *resilience.Executor
	Cache     *requests.Manager[*State]
}

type listener struct {
	refs      int
	stop      func()
	callbacks map[string]func(*State)
}

// Service is safe for concurrent use.
type Service struct {
	cfg       Config
	store     RecordStore
	processor Processor
	snapshots SnapshotStore
	session   Session
	exec      *resilience.Executor
	cache     *requests.Manager[*State]
	now       func() time.Time

	mu        sync.Mutex
	listeners map[string]*listener
}

// NewService wires a Service. A nil Cache or Executor gets a default one.
func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.FreeUseLimit <= 0 {
		cfg.FreeUseLimit = DefaultFreeUseLimit
	}
	if deps.Cache == nil {
		deps.Cache = requests.NewManager[*State]("subscriptions")
	}
	deps.Cache.SetCacheable(func(state *State) bool {
		return state != nil && state.Confirmed
	})
	if deps.Executor == nil {
		deps.Executor = resilience.NewExecutor(nil, circuit.DefaultConfig())
	}
	if deps.Session == nil {
		deps.Session = StaticSession("")
	}

	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		processor: deps.Processor,
		snapshots: deps.Snapshots,
		session:   deps.Session,
		exec:      deps.Executor,
		cache:     deps.Cache,
		now:       time.Now,
		listeners: make(map[string]*listener),
	}
}

// Cache exposes the underlying request manager, e.g. for sweeping.
func (s *Service) Cache() *requests.Manager[*State] {
	return s.cache
}

// Executor exposes the executor and its event log.
func (s *Service) Executor() *resilience.Executor {
	return s.exec
}

// CacheKey is the request-manager key holding userID's state.
func CacheKey(userID string) string {
	return cacheKeyPrefix + userID
}

// Get returns the user's subscription state, from cache when fresh.
// Best-effort results are returned but not kept in the cache.
func (s *Service) Get(ctx context.Context, userID string) (*State, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, perrors.AuthenticationMissing("subscription.get")
	}

	key := CacheKey(userID)
	state, err := s.cache.Execute(ctx, key, func(ctx context.Context) (*State, error) {
		return s.fetch(ctx, userID)
	}, requests.Options{TTL: s.cfg.CacheTTL, Owner: userID})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Refresh bypasses the cache for one read.
func (s *Service) Refresh(ctx context.Context, userID string) (*State, error) {
	s.ClearCache(userID)
	return s.Get(ctx, userID)
}

func (s *Service) fetch(ctx context.Context, userID string) (*State, error) {
	const op = "subscription.get"

	var verification *payments.VerificationResult
	fallbacks := []resilience.Fallback[*Record]{
		{
			Method:    SourceProcessorVerification,
			Confirmed: true,
			Run: func(ctx context.Context) (*Record, error) {
				rec, result, err := s.verifyWithProcessor(ctx, userID)
				if err != nil {
					return nil, err
				}
				verification = &result
				return rec, nil
			},
		},
		{
			Method: SourceLocalSnapshot,
			Run: func(ctx context.Context) (*Record, error) {
				return s.loadSnapshot(ctx, userID)
			},
		},
	}
	if s.cfg.AllowSynthesizedDefault {
		fallbacks = append(fallbacks, resilience.Fallback[*Record]{
			Method: SourceSynthesizedDefault,
			Run: func(context.Context) (*Record, error) {
				log.Warn().
					Str("user_id", userID).
					Msg("Every subscription source failed; presenting free tier")
				return FreeTierRecord(s.now(), s.cfg.FreeUseLimit), nil
			},
		})
	}

	res, err := resilience.Run(ctx, s.exec, resilience.Call[*Record]{
		Name: op,
		Primary: func(ctx context.Context) (*Record, error) {
			rec, err := s.store.ReadRecord(ctx, userID)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return FreeTierRecord(s.now(), s.cfg.FreeUseLimit), nil
			}
			return rec, nil
		},
		Fallbacks: fallbacks,
		Policy:    s.cfg.Policy,
		Fields:    map[string]string{"user_id": userID},
	})
	if err != nil {
		return nil, err
	}

	source := res.Method
	if source == resilience.MethodPrimary {
		source = SourceAuthoritativeStore
	}
	state := s.newState(userID, res.Value, source, res.Confirmed)
	state.Verification = verification
	if state.Confirmed {
		s.remember(ctx, userID, state.Record)
	}
	return state, nil
}

func (s *Service) newState(userID string, rec *Record, source string, confirmed bool) *State {
	rec = rec.Clone().Normalize()
	state := &State{
		UserID:    userID,
		Record:    rec,
		Source:    source,
		Confirmed: confirmed,
		FetchedAt: s.now(),
		Issues:    HealthCheck(rec),
	}
	if len(state.Issues) > 0 {
		log.Warn().
			Str("user_id", userID).
			Str("source", source).
			Interface("issues", state.Issues).
			Msg("Subscription record failed health check")
	}
	return state
}

// remember persists a confirmed record and notes its subscription id for
// later processor re-verification.
func (s *Service) remember(ctx context.Context, userID string, rec *Record) {
	if rec == nil {
		return
	}
	if rec.SubscriptionID != "" {
		s.exec.Remember("subscription.get", map[string]string{
			"user_id":         userID,
			"subscription_id": rec.SubscriptionID,
		})
	}
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Save(ctx, userID, rec); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Msg("Failed to persist subscription snapshot")
	}
}

func (s *Service) loadSnapshot(ctx context.Context, userID string) (*Record, error) {
	if s.snapshots == nil {
		return nil, perrors.NewOperationError(perrors.ErrorTypeNotFound, "subscription.snapshot", userID, errors.New("snapshots disabled"))
	}
	rec, _, err := s.snapshots.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, perrors.NewOperationError(perrors.ErrorTypeNotFound, "subscription.snapshot", userID, nil)
	}
	return rec, nil
}

// knownSubscriptionID finds a subscription id without the record store:
// first the local snapshot, then the executor's event log.
func (s *Service) knownSubscriptionID(ctx context.Context, userID string) string {
	if s.snapshots != nil {
		if rec, _, err := s.snapshots.Load(ctx, userID); err == nil && rec != nil && rec.SubscriptionID != "" {
			return rec.SubscriptionID
		}
	}
	if id, ok := s.exec.Events().RecallFor("subscription_id", map[string]string{"user_id": userID}); ok {
		return id
	}
	return ""
}

func (s *Service) verifyWithProcessor(ctx context.Context, userID string) (*Record, payments.VerificationResult, error) {
	subID := s.knownSubscriptionID(ctx, userID)
	if subID == "" {
		return nil, payments.VerificationResult{}, perrors.NewOperationError(perrors.ErrorTypeNotFound,
			"subscription.verify", userID, errors.New("no remembered subscription id"))
	}
	if s.processor == nil {
		return nil, payments.VerificationResult{}, errors.New("processor bridge not configured")
	}

	bundle, err := s.processor.GetStatus(ctx, subID)
	if err != nil {
		return nil, payments.VerificationResult{}, err
	}
	result := payments.AnalyzeBundle(*bundle)

	rec, _ := s.loadSnapshot(ctx, userID)
	if rec == nil {
		rec = FreeTierRecord(s.now(), s.cfg.FreeUseLimit)
	}
	rec.applyProcessorView(bundle.Subscription, s.now())
	return rec, result, nil
}

// Subscribe registers onChange for pushes about userID. One backend watch is
// shared by every subscriber of the same user. The returned func is
// idempotent.
func (s *Service) Subscribe(userID string, onChange func(*State)) (unsubscribe func()) {
	userID = strings.TrimSpace(userID)
	token := uuid.NewString()

	s.mu.Lock()
	l, ok := s.listeners[userID]
	if !ok {
		l = &listener{callbacks: make(map[string]func(*State))}
		s.listeners[userID] = l
		l.stop = s.store.WatchRecord(userID,
			func(rec *Record) { s.handlePush(userID, rec) },
			func(err error) {
				log.Warn().
					Err(err).
					Str("user_id", userID).
					Msg("Subscription push listener error")
			})
		metrics.PushListeners.Inc()
		log.Debug().Str("user_id", userID).Msg("Opened subscription push listener")
	}
	l.refs++
	if onChange != nil {
		l.callbacks[token] = onChange
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.release(userID, l, token) })
	}
}

func (s *Service) release(userID string, l *listener, token string) {
	s.mu.Lock()
	delete(l.callbacks, token)
	l.refs--
	if l.refs > 0 {
		s.mu.Unlock()
		return
	}
	if s.listeners[userID] != l {
		// Already torn down by Close.
		s.mu.Unlock()
		return
	}
	delete(s.listeners, userID)
	stop := l.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	metrics.PushListeners.Dec()
	log.Debug().Str("user_id", userID).Msg("Closed subscription push listener")
}

// ListenerCount returns the reference count of userID's push listener.
func (s *Service) ListenerCount(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[userID]; ok {
		return l.refs
	}
	return 0
}

func (s *Service) handlePush(userID string, rec *Record) {
	if rec == nil {
		rec = FreeTierRecord(s.now(), s.cfg.FreeUseLimit)
	}
	state := s.newState(userID, rec, SourcePush, true)
	s.cache.Set(CacheKey(userID), state, s.cfg.CacheTTL)
	s.remember(context.Background(), userID, state.Record)

	s.mu.Lock()
	var callbacks []func(*State)
	if l, ok := s.listeners[userID]; ok {
		callbacks = make([]func(*State), 0, len(l.callbacks))
		for _, cb := range l.callbacks {
			callbacks = append(callbacks, cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(state)
	}
}

// currentState resolves the signed-in user and their cached state.
func (s *Service) currentState(ctx context.Context, op string) (string, *State, error) {
	userID := strings.TrimSpace(s.session.UserID(ctx))
	if userID == "" {
		return "", nil, perrors.AuthenticationMissing(op)
	}
	state, err := s.Get(ctx, userID)
	if err != nil {
		return userID, nil, err
	}
	return userID, state, nil
}

func requireSubscriptionID(op, userID string, state *State) (string, error) {
	if state == nil || state.Record == nil || state.Record.SubscriptionID == "" {
		return "", perrors.MissingIdentifier(op, userID, "subscription id")
	}
	return state.Record.SubscriptionID, nil
}

// Cancel schedules the signed-in user's subscription to end at period end.
func (s *Service) Cancel(ctx context.Context) (MutationResult, error) {
	return s.setCancelAtPeriodEnd(ctx, "subscription.cancel", true)
}

// Reactivate undoes a scheduled cancellation.
func (s *Service) Reactivate(ctx context.Context) (MutationResult, error) {
	return s.setCancelAtPeriodEnd(ctx, "subscription.reactivate", false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, op string, cancel bool) (MutationResult, error) {
	userID, state, err := s.currentState(ctx, op)
	if err != nil {
		return MutationResult{}, err
	}
	subID, err := requireSubscriptionID(op, userID, state)
	if err != nil {
		return MutationResult{}, err
	}

	primary := s.processor.Reactivate
	if cancel {
		primary = s.processor.Cancel
	}

	notApplied := fmt.Errorf("cancel_at_period_end=%v not yet visible", cancel)
	res, err := resilience.Run(ctx, s.exec, resilience.Call[struct{}]{
		Name: op,
		Primary: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, primary(ctx, subID)
		},
		Fallbacks: []resilience.Fallback[struct{}]{
			{
				Method:    SourceAuthoritativeStore,
				Confirmed: true,
				Run: func(ctx context.Context) (struct{}, error) {
					rec, err := s.store.ReadRecord(ctx, userID)
					if err != nil {
						return struct{}{}, err
					}
					if rec == nil || rec.SubscriptionID != subID || rec.CancelAtPeriodEnd != cancel {
						return struct{}{}, notApplied
					}
					return struct{}{}, nil
				},
			},
			{
				Method:    SourceProcessorVerification,
				Confirmed: true,
				Run: func(ctx context.Context) (struct{}, error) {
					bundle, err := s.processor.GetStatus(ctx, subID)
					if err != nil {
						return struct{}{}, err
					}
					if bundle.Subscription.CancelAtPeriodEnd != cancel {
						return struct{}{}, notApplied
					}
					return struct{}{}, nil
				},
			},
		},
		Policy: s.cfg.Policy,
		Fields: map[string]string{"user_id": userID, "subscription_id": subID},
	})
	if err != nil {
		return MutationResult{}, err
	}

	s.ClearCache(userID)
	s.writeThrough(ctx, userID, map[string]any{
		"cancel_at_period_end": cancel,
		"updated_at":           s.now().UnixMilli(),
	})

	log.Info().
		Str("user_id", userID).
		Str("subscription_id", subID).
		Str("operation", op).
		Str("method", res.Method).
		Msg("Subscription mutation confirmed")
	return MutationResult{Operation: op, Method: res.Method, Attempts: res.Attempts}, nil
}

// writeThrough merges a confirmed change into the record store so readers
// see it before the backend's own update arrives.
func (s *Service) writeThrough(ctx context.Context, userID string, patch map[string]any) {
	if err := s.store.WriteRecord(ctx, userID, patch, true); err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID).
			Msg("Failed to write through subscription change")
	}
}

// CreatePaymentIntent starts a payment for priceID against the signed-in
// user's subscription.
func (s *Service) CreatePaymentIntent(ctx context.Context, priceID string) (*payments.PaymentIntent, error) {
	const op = "subscription.create_payment_intent"

	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return nil, perrors.MissingIdentifier(op, "", "price id")
	}
	userID, state, err := s.currentState(ctx, op)
	if err != nil {
		return nil, err
	}
	subID, err := requireSubscriptionID(op, userID, state)
	if err != nil {
		return nil, err
	}
	customerID := state.Record.CustomerID
	if customerID == "" {
		return nil, perrors.MissingIdentifier(op, userID, "customer id")
	}

	res, err := resilience.Run(ctx, s.exec, resilience.Call[*payments.PaymentIntent]{
		Name: op,
		Primary: func(ctx context.Context) (*payments.PaymentIntent, error) {
			return s.processor.CreatePaymentIntent(ctx, customerID, priceID)
		},
		Policy: s.cfg.Policy,
		Fields: map[string]string{"user_id": userID, "subscription_id": subID, "price_id": priceID},
	})
	if err != nil {
		return nil, err
	}

	s.ClearCache(userID)
	return res.Value, nil
}

// PortalURL returns a billing-portal link for the signed-in user.
func (s *Service) PortalURL(ctx context.Context, returnURL string) (string, error) {
	const op = "subscription.portal_url"

	userID, state, err := s.currentState(ctx, op)
	if err != nil {
		return "", err
	}
	if state.Record == nil || state.Record.CustomerID == "" {
		return "", perrors.MissingIdentifier(op, userID, "customer id")
	}
	if returnURL == "" {
		returnURL = s.cfg.PortalReturnURL
	}
	customerID := state.Record.CustomerID

	res, err := resilience.Run(ctx, s.exec, resilience.Call[string]{
		Name: op,
		Primary: func(ctx context.Context) (string, error) {
			return s.processor.PortalURL(ctx, customerID, returnURL)
		},
		Policy: s.cfg.Policy,
		Fields: map[string]string{"user_id": userID},
	})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// Verify asks the processor for the signed-in user's payment status.
func (s *Service) Verify(ctx context.Context) (Verification, error) {
	const op = "subscription.verify"

	userID, state, err := s.currentState(ctx, op)
	if err != nil {
		return Verification{}, err
	}
	subID, err := requireSubscriptionID(op, userID, state)
	if err != nil {
		return Verification{}, err
	}

	res, err := resilience.Run(ctx, s.exec, resilience.Call[*payments.StatusBundle]{
		Name: op,
		Primary: func(ctx context.Context) (*payments.StatusBundle, error) {
			return s.processor.GetStatus(ctx, subID)
		},
		Policy: s.cfg.Policy,
		Fields: map[string]string{"user_id": userID, "subscription_id": subID},
	})
	if err != nil {
		return Verification{}, err
	}

	result := payments.AnalyzeBundle(*res.Value)
	return Verification{Result: result, Recommendation: payments.Recommend(result)}, nil
}

// ClearCache drops userID's cached state, or every user's when userID is empty.
func (s *Service) ClearCache(userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		s.cache.InvalidateMatching(cacheKeyPrefix + "*")
		return
	}
	s.cache.ClearEntry(CacheKey(userID))
}

// Close stops every push listener and cancels in-flight reads.
func (s *Service) Close() {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.listeners))
	for userID, l := range s.listeners {
		if l.stop != nil {
			stops = append(stops, l.stop)
		}
		delete(s.listeners, userID)
		metrics.PushListeners.Dec()
	}
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	s.cache.Close()
}
