// Package resilience runs an operation with bounded retries and, once those
// are exhausted, an ordered chain of fallback sources.
package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcourtman/pulsefit/internal/circuit"
	perrors "github.com/rcourtman/pulsefit/internal/errors"
	"github.com/rcourtman/pulsefit/internal/metrics"
)

// MethodPrimary tags results produced by the primary operation.
const MethodPrimary = "primary"

// TracerName is the instrumentation scope of executor spans.
const TracerName = "github.com/rcourtman/pulsefit/internal/resilience"

// Policy bounds the primary retries.
type Policy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
}

// DefaultPolicy returns three attempts with 1s, 2s delays capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	return p
}

// newBackOff yields min(base * multiplier^(n-1), max) for the nth retry.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	p = p.normalized()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Delays returns the first n retry delays the policy produces.
func (p Policy) Delays(n int) []time.Duration {
	b := p.newBackOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Operation is a primary or fallback source.
type Operation[T any] func(ctx context.Context) (T, error)

// Fallback is one alternate source tried after the primary is exhausted.
type Fallback[T any] struct {
	// Method names the source and tags results it produces.
	Method string
	// Confirmed marks sources whose answer is authoritative rather than best-effort.
	Confirmed bool
	Run       Operation[T]
}

// Call describes one executor run.
type Call[T any] struct {
	Name      string
	Primary   Operation[T]
	Fallbacks []Fallback[T]
	Policy    Policy
	// Fields are copied onto every event this call records.
	Fields map[string]string
}

// Result is a successful run.
type Result[T any] struct {
	Value     T
	Method    string
	Attempts  int
	Confirmed bool
}

// FromFallback reports whether a fallback produced the result.
func (r Result[T]) FromFallback() bool {
	return r.Method != MethodPrimary
}

// Executor holds state shared across runs: the event log and one breaker
// per operation name.
type Executor struct {
	events *EventLog
	sleep  func(ctx context.Context, d time.Duration) error
	tracer trace.Tracer

	mu         sync.Mutex
	breakers   map[string]*circuit.Breaker
	breakerCfg circuit.Config
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer sets the tracer for run spans. The default is the global
// provider's tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewExecutor creates an executor recording into events (a default-size log
// when nil).
func NewExecutor(events *EventLog, breakerCfg circuit.Config, opts ...Option) *Executor {
	if events == nil {
		events = NewEventLog(DefaultEventLogSize)
	}
	e := &Executor{
		events:     events,
		sleep:      sleepContext,
		tracer:     otel.Tracer(TracerName),
		breakers:   make(map[string]*circuit.Breaker),
		breakerCfg: breakerCfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the executor's event log.
func (e *Executor) Events() *EventLog {
	return e.events
}

// Remember records context worth recalling in later calls.
func (e *Executor) Remember(operation string, fields map[string]string) {
	e.events.Append(Event{
		Level:     LevelDebug,
		Operation: operation,
		Method:    "remember",
		Fields:    fields,
	})
}

// Breaker returns the breaker guarding the named operation's primary.
func (e *Executor) Breaker(name string) *circuit.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[name]
	if !ok {
		b = circuit.NewBreaker(name, e.breakerCfg)
		e.breakers[name] = b
	}
	return b
}

// Breakers returns the status of every breaker created so far, by name.
func (e *Executor) Breakers() []circuit.Status {
	e.mu.Lock()
	names := make([]string, 0, len(e.breakers))
	for name := range e.breakers {
		names = append(names, name)
	}
	e.mu.Unlock()

	sort.Strings(names)
	out := make([]circuit.Status, 0, len(names))
	for _, name := range names {
		out = append(out, e.Breaker(name).GetStatus())
	}
	return out
}

// Run executes c. Fatal errors from the primary return immediately. When
// every retry and fallback fails it records an error event and returns an
// AllSourcesFailed error.
func Run[T any](ctx context.Context, e *Executor, c Call[T]) (Result[T], error) {
	var zero Result[T]
	policy := c.Policy.normalized()

	ctx, span := e.tracer.Start(ctx, "resilience.Run", trace.WithAttributes(
		attribute.String("operation", c.Name),
		attribute.Int("max_retries", policy.MaxRetries),
	))
	defer span.End()

	attempts := 0
	var lastErr error
	breaker := e.Breaker(c.Name)

	allowed, trial := false, false
	if c.Primary != nil {
		allowed, trial = breaker.AllowTrial()
	}

	if allowed {
		bo := policy.newBackOff()
		for attempts < policy.MaxRetries {
			attempts++
			metrics.RecordAttempt(c.Name)

			value, err := c.Primary(ctx)
			if err == nil {
				breaker.RecordSuccess()
				metrics.RecordOutcome(c.Name, MethodPrimary)
				span.SetAttributes(attribute.String("method", MethodPrimary), attribute.Int("attempts", attempts))
				span.SetStatus(codes.Ok, "primary succeeded")
				return Result[T]{Value: value, Method: MethodPrimary, Attempts: attempts, Confirmed: true}, nil
			}
			lastErr = err

			if perrors.IsFatal(err) {
				if trial {
					breaker.Release()
				}
				metrics.RecordOutcome(c.Name, "fatal")
				e.events.Append(Event{
					Level:     LevelError,
					Operation: c.Name,
					Attempts:  attempts,
					Method:    "fatal",
					Error:     err.Error(),
					Fields:    c.Fields,
				})
				span.SetAttributes(attribute.String("method", "fatal"), attribute.Int("attempts", attempts))
				span.RecordError(err)
				span.SetStatus(codes.Error, "fatal error")
				return zero, err
			}
			if !perrors.IsRetryableError(err) || attempts >= policy.MaxRetries {
				break
			}

			delay := bo.NextBackOff()
			log.Debug().
				Str("operation", c.Name).
				Int("attempt", attempts).
				Int("maxAttempts", policy.MaxRetries).
				Dur("retryIn", delay).
				Err(err).
				Msg("Primary attempt failed, retrying")
			if err := e.sleep(ctx, delay); err != nil {
				if trial {
					breaker.Release()
				}
				span.RecordError(err)
				return zero, err
			}
		}
		breaker.RecordFailure(lastErr)
	} else if c.Primary != nil {
		lastErr = fmt.Errorf("%s: %w", c.Name, circuit.ErrCircuitOpen)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		log.Debug().
			Str("operation", c.Name).
			Msg("Primary skipped, circuit open")
	}

	for _, fb := range c.Fallbacks {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fb.Run(ctx)
		if err != nil {
			lastErr = err
			log.Debug().
				Str("operation", c.Name).
				Str("method", fb.Method).
				Err(err).
				Msg("Fallback failed")
			continue
		}

		level := LevelInfo
		if !fb.Confirmed {
			level = LevelWarn
		}
		e.events.Append(Event{
			Level:     level,
			Operation: c.Name,
			Attempts:  attempts,
			Method:    fb.Method,
			Error:     errString(lastErr),
			Fields:    c.Fields,
		})
		metrics.RecordOutcome(c.Name, fb.Method)
		span.SetAttributes(attribute.String("method", fb.Method), attribute.Int("attempts", attempts))
		span.SetStatus(codes.Ok, "fallback succeeded")
		return Result[T]{Value: value, Method: fb.Method, Attempts: attempts, Confirmed: fb.Confirmed}, nil
	}

	e.events.Append(Event{
		Level:     LevelError,
		Operation: c.Name,
		Attempts:  attempts,
		Method:    "all_sources_failed",
		Error:     errString(lastErr),
		Fields:    c.Fields,
	})
	metrics.RecordOutcome(c.Name, "all_sources_failed")
	err := perrors.AllSourcesFailed(c.Name, attempts, lastErr)
	span.SetAttributes(attribute.String("method", "all_sources_failed"), attribute.Int("attempts", attempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, "all sources failed")
	return zero, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
