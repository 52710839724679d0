// Package backoff computes delays between attempts: how long a failed task
// waits before it is pending again, and how long a peer connection waits
// before it is redialled. Strategies are stateless and safe for concurrent
// use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before attempt n (1-indexed). Attempt
	// 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Names accepted by Parse.
const (
	NameConstant    = "constant"
	NameLinear      = "linear"
	NameExponential = "exponential"
	NameJitter      = "jitter"
)

// Parse builds the strategy called name.
func Parse(name string, initial, maxDelay time.Duration) (Strategy, error) {
	switch strings.ToLower(name) {
	case NameConstant:
		return NewConstant(initial), nil
	case NameLinear:
		return NewLinear(initial, maxDelay), nil
	case "", NameExponential:
		return NewExponential(initial, maxDelay), nil
	case NameJitter:
		return NewExponentialWithJitter(initial, maxDelay), nil
	}
	return nil, fmt.Errorf("backoff: unknown strategy %q", name)
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant waits the same interval before every attempt.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the delay by Initial per attempt, up to Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capped(float64(l.Initial)*float64(max(attempt, 1)), l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt: Initial, 2*Initial,
// 4*Initial and so on, up to Max. It is the task retry default.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(exp(e.Initial, attempt), e.Max)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter
// ──────────────────────────────────────────────────

// ExponentialWithJitter picks a uniformly random delay in
// [0, min(Initial * 2^(attempt-1), Max)]. Replicas redialling a peer that
// just came back use it so they do not reconnect in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration up to the exponential bound.
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	bound := capped(exp(e.Initial, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(bound)) //nolint:gosec // jitter does not need crypto rand
}

func exp(initial time.Duration, attempt int) float64 {
	return float64(initial) * math.Pow(2, float64(max(attempt, 1)-1))
}

// capped converts d to a Duration no larger than limit. A zero limit only
// guards against overflow.
func capped(d float64, limit time.Duration) time.Duration {
	if limit > 0 && d > float64(limit) {
		return limit
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Defaults
// ──────────────────────────────────────────────────

// DefaultStrategy is the task retry policy: 5s doubling per attempt, capped
// at one hour.
func DefaultStrategy() Strategy {
	return NewExponential(5*time.Second, time.Hour)
}

// Reconnect is the policy for redialling an unreachable peer.
func Reconnect() Strategy {
	return NewExponentialWithJitter(50*time.Millisecond, 2*time.Second)
}
