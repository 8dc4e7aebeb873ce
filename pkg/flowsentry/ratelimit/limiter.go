// Package ratelimit bounds the call rate to named external resources using
// token buckets.
//
// The limiter never blocks: a rejected acquisition carries an estimated
// retry-after so callers can decide whether to wait, reroute, or fail fast.
// That keeps it safe to call from many concurrent chunk workers without
// head-of-line blocking.
package ratelimit

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowsentry/flowsentry/pkg/flowsentry/registry"
)

// Config holds the token bucket parameters for one resource.
type Config struct {
	// Capacity is the bucket size: the burst a caller can spend instantly.
	Capacity int `yaml:"capacity"`
	// RefillRate is how many tokens accrue per second, up to Capacity.
	RefillRate float64 `yaml:"refill_rate"`
}

// DefaultConfig returns a bucket suitable for an interactive inference
// dependency: small bursts, steady refill.
func DefaultConfig() Config {
	return Config{Capacity: 10, RefillRate: 1}
}

// Validate reports the first configuration error, or nil.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("ratelimit: capacity must be >= 1, got %d", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("ratelimit: refill rate must be positive, got %g", c.RefillRate)
	}
	return nil
}

// QuotaError is returned when a bucket has too few tokens for the request.
type QuotaError struct {
	// Resource is the bucket that rejected the acquisition.
	Resource string
	// Cost is the number of tokens requested.
	Cost int
	// RetryAfter estimates when the bucket will hold Cost tokens again.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("rate limit on %s: cost %d rejected, retry after %s",
		e.Resource, e.Cost, e.RetryAfter)
}

// Recoverable marks quota rejections as routable to a backoff path rather
// than fatal to the run.
func (e *QuotaError) Recoverable() bool { return true }

// Limiter holds one token bucket per named resource. Buckets are created
// lazily on first use and shared by every caller for the process lifetime.
// The underlying buckets serialize their own token accounting, so
// concurrent acquisitions never lose updates.
type Limiter struct {
	defaults Config
	configs  *registry.Registry[string, Config]
	buckets  *registry.Registry[string, *rate.Limiter]
}

// New creates a limiter whose buckets use the given defaults unless
// overridden with Configure.
// Panics on invalid configuration: limiters are built at startup and a bad
// rate must fail fast, before any run begins.
func New(defaults Config) *Limiter {
	if err := defaults.Validate(); err != nil {
		panic(err)
	}
	return &Limiter{
		defaults: defaults,
		configs:  registry.New[string, Config](),
		buckets:  registry.New[string, *rate.Limiter](),
	}
}

// Configure sets a resource-specific bucket size and refill rate. It must be
// called before the first Acquire for that resource.
func (l *Limiter) Configure(resource string, cfg Config) {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	l.configs.Register(resource, cfg)
}

// Acquire spends cost tokens from the resource's bucket, or returns a
// *QuotaError carrying the estimated wait. It never blocks.
func (l *Limiter) Acquire(resource string, cost int) error {
	return l.AcquireAt(time.Now(), resource, cost)
}

// AcquireAt is Acquire with an explicit clock reading. It exists so tests
// and simulations can step time deterministically.
func (l *Limiter) AcquireAt(now time.Time, resource string, cost int) error {
	if cost < 1 {
		cost = 1
	}
	bucket := l.bucket(resource)

	r := bucket.ReserveN(now, cost)
	if !r.OK() {
		// Cost exceeds capacity: the bucket can never satisfy it.
		return fmt.Errorf("ratelimit: cost %d exceeds capacity of resource %s", cost, resource)
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		// Not enough tokens yet. Give them back and tell the caller when
		// to come back.
		r.CancelAt(now)
		return &QuotaError{Resource: resource, Cost: cost, RetryAfter: delay}
	}
	return nil
}

// Tokens reports the tokens currently available for a resource. Intended
// for introspection and tests.
func (l *Limiter) Tokens(resource string) float64 {
	return l.bucket(resource).TokensAt(time.Now())
}

func (l *Limiter) bucket(resource string) *rate.Limiter {
	return l.buckets.GetOrCreate(resource, func() *rate.Limiter {
		cfg, ok := l.configs.Get(resource)
		if !ok {
			cfg = l.defaults
		}
		return rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity)
	})
}

// EstimateCost converts a text payload into a token cost using a cheap
// characters-per-token heuristic (roughly one token per three characters).
// Exact tokenization is not worth a tokenizer dependency here; quotas only
// need to be approximately fair.
func EstimateCost(text string) int {
	if len(text) == 0 {
		return 1
	}
	cost := len(text) / 3
	if cost < 1 {
		cost = 1
	}
	return cost
}
