// Package breaker guards calls to failing external dependencies.
//
// One Breaker protects one named dependency and is shared by every caller
// of that dependency in the process. After FailureThreshold consecutive
// failures the breaker opens and rejects calls without invoking the
// dependency; after RecoveryTimeout it admits exactly one probe call.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker's position in its lifecycle.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Sentinel errors returned instead of invoking the dependency.
var (
	// ErrOpen indicates the breaker is open and the call was rejected.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrProbeInFlight indicates another caller holds the half-open probe.
	ErrProbeInFlight = errors.New("breaker: probe already in flight")
)

// RejectedError wraps a rejection with the dependency name so callers can
// tell which upstream is unavailable.
type RejectedError struct {
	// Dependency is the protected dependency name.
	Dependency string
	// Err is ErrOpen or ErrProbeInFlight.
	Err error
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

// Unwrap returns the underlying sentinel for errors.Is support.
func (e *RejectedError) Unwrap() error { return e.Err }

// Recoverable marks rejections as routable to a recovery path rather than
// fatal to the run.
func (e *RejectedError) Recoverable() bool { return true }

// Config holds per-dependency breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive countable failures that
	// opens the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before admitting
	// a half-open probe.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// CallTimeout bounds each wrapped call. Zero disables the bound.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// Countable decides whether an error counts toward the failure
	// threshold. Nil counts every non-nil error. Client-side errors
	// (bad input, auth) should not count: the dependency is healthy.
	Countable func(error) bool `yaml:"-"`

	// OnStateChange is invoked after every transition. Optional.
	OnStateChange func(dependency string, from, to State) `yaml:"-"`
}

// DefaultConfig returns conservative production settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		CallTimeout:      60 * time.Second,
	}
}

// Validate reports the first configuration error, or nil.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker: recovery timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("breaker: call timeout must be >= 0, got %s", c.CallTimeout)
	}
	return nil
}

// Breaker implements the closed/open/half-open state machine for one
// dependency. All state mutations go through a single mutex so concurrent
// chunk workers cannot lose failure counts.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	probeInFlight bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithClock overrides the time source. Used by tests to step through the
// recovery timeout without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker for the named dependency.
// Panics on invalid configuration: breakers are built at startup and a bad
// threshold must fail fast, before any run begins.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the protected dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do invokes fn through the breaker. Rejections are returned as
// *RejectedError without invoking fn. The fn receives a context bounded by
// CallTimeout when one is configured.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.before()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	callErr := fn(callCtx)
	b.after(probe, callErr)
	return callErr
}

// Do invokes fn through the breaker and returns its value. It exists
// because methods cannot introduce type parameters.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = fn(ctx)
		return innerErr
	})
	return out, err
}

// before admits or rejects a call. It returns probe=true when the call is
// the half-open probe, which after() needs to settle the state machine.
func (b *Breaker) before() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			return false, &RejectedError{Dependency: b.name, Err: ErrOpen}
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return false, &RejectedError{Dependency: b.name, Err: ErrProbeInFlight}
		}
		b.probeInFlight = true
		return true, nil

	default:
		return false, fmt.Errorf("breaker %s: unknown state %d", b.name, b.state)
	}
}

// after records the call outcome and drives state transitions.
func (b *Breaker) after(probe bool, callErr error) {
	countable := callErr != nil
	if countable && b.cfg.Countable != nil {
		countable = b.cfg.Countable(callErr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probeInFlight = false
		if countable {
			b.lastFailure = b.now()
			b.setState(StateOpen)
			return
		}
		b.failures = 0
		b.setState(StateClosed)
		return
	}

	if !countable {
		if b.state == StateClosed {
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
		b.setState(StateOpen)
	}
}

// Reset forces the breaker closed and clears counters. Intended for
// operator intervention, not normal control flow.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probeInFlight = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// setState transitions and notifies. Callers hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	b.logger.Info("breaker state change",
		slog.String("dependency", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("consecutive_failures", b.failures),
	)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
