// Package circuit guards a remote source that keeps failing. While a breaker
// is open, callers skip the source and go straight to their alternates.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	perrors "github.com/rcourtman/pulsefit/internal/errors"
)

// ErrCircuitOpen is reported in place of a primary skipped by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrorCategory is how a failure weighs on the breaker.
type ErrorCategory int

const (
	// ErrorCategoryTransient counts one failure.
	ErrorCategoryTransient ErrorCategory = iota
	// ErrorCategoryRateLimit trips at once.
	ErrorCategoryRateLimit
	// ErrorCategoryFatal is not the source's health and is not counted.
	ErrorCategoryFatal
)

// CategorizeError classifies err using the operation error taxonomy.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryTransient
	}
	if perrors.IsFatal(err) {
		return ErrorCategoryFatal
	}
	var opErr *perrors.OperationError
	if errors.As(err, &opErr) {
		if opErr.StatusCode == 429 {
			return ErrorCategoryRateLimit
		}
		if !opErr.Retryable {
			return ErrorCategoryFatal
		}
	}
	return ErrorCategoryTransient
}

// Config tunes a breaker.
type Config struct {
	FailureThreshold int // consecutive counted failures that open the breaker
	SuccessThreshold int // trial successes that close it again
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// BackoffMultiplier stretches the open period after each failed trial.
	BackoffMultiplier float64
}

// DefaultConfig opens after five failures for ten seconds, doubling up to
// five minutes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		SuccessThreshold:  1,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	now       func() time.Time
	state     State
	failures  int
	successes int
	openUntil time.Time
	backoff   time.Duration
	inTrial   bool
	lastErr   error
	onChange  func(from, to State)

	totalFailures int64
	totalTrips    int64
}

// NewBreaker returns a closed breaker. Zero fields in cfg take defaults.
func NewBreaker(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:    name,
		cfg:     cfg,
		now:     time.Now,
		backoff: cfg.InitialBackoff,
	}
}

// SetClock replaces the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// SetOnStateChange installs a callback run on its own goroutine for every
// transition.
func (b *Breaker) SetOnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether the guarded source may be called. Once the open
// period has passed, exactly one caller is let through as a trial.
func (b *Breaker) Allow() bool {
	allowed, _ := b.AllowTrial()
	return allowed
}

// AllowTrial is Allow that also reports whether the caller was given the
// half-open trial. A trial holder must end it with RecordSuccess,
// RecordFailure or Release; until then no other caller is let through.
func (b *Breaker) AllowTrial() (allowed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return false, false
		}
		b.setState(StateHalfOpen)
		log.Info().Str("breaker", b.name).Msg("Circuit breaker trying source")
	}
	if b.inTrial {
		return false, false
	}
	b.inTrial = true
	return true, true
}

// Release hands back a trial that ended without saying anything about the
// source, such as a cancelled call. The breaker stays half-open and the next
// caller gets the trial.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.inTrial = false
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.successes++
	if b.state != StateHalfOpen {
		return
	}
	b.inTrial = false
	if b.successes >= b.cfg.SuccessThreshold {
		b.backoff = b.cfg.InitialBackoff
		b.setState(StateClosed)
		log.Info().Str("breaker", b.name).Msg("Circuit breaker closed")
	}
}

// RecordFailure notes a failed call, weighted by CategorizeError.
func (b *Breaker) RecordFailure(err error) {
	category := CategorizeError(err)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastErr = err
	b.successes = 0
	b.totalFailures++

	if category == ErrorCategoryFatal {
		b.inTrial = false
		return
	}
	b.failures++
	if category == ErrorCategoryRateLimit {
		b.failures = max(b.failures, b.cfg.FailureThreshold)
	}

	switch b.state {
	case StateHalfOpen:
		b.backoff = min(time.Duration(float64(b.backoff)*b.cfg.BackoffMultiplier), b.cfg.MaxBackoff)
		b.open(err)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open(err)
		}
	}
}

func (b *Breaker) open(err error) {
	b.inTrial = false
	b.openUntil = b.now().Add(b.backoff)
	b.totalTrips++
	b.setState(StateOpen)
	log.Warn().
		Err(err).
		Str("breaker", b.name).
		Int("failures", b.failures).
		Dur("backoff", b.backoff).
		Msg("Circuit breaker opened")
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if fn := b.onChange; fn != nil {
		go fn(from, to)
	}
}

// Reset closes the breaker and forgets its history, keeping the totals.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(StateClosed)
	b.failures, b.successes = 0, 0
	b.backoff = b.cfg.InitialBackoff
	b.inTrial = false
	b.lastErr = nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a snapshot for diagnostics.
type Status struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	CurrentBackoff      time.Duration `json:"current_backoff_ms"`
	OpenUntil           time.Time     `json:"open_until,omitempty"`
	TotalFailures       int64         `json:"total_failures"`
	TotalTrips          int64         `json:"total_trips"`
}

// GetStatus returns a snapshot of b.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		CurrentBackoff:      b.backoff,
		TotalFailures:       b.totalFailures,
		TotalTrips:          b.totalTrips,
	}
	if b.state == StateOpen {
		s.OpenUntil = b.openUntil
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}
