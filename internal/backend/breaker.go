package backend

import (
	"sync"
	"time"

	"github.com/rendis/houndflow/pkg/schema"
)

// BreakerState is the state of one step type's circuit.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected until the cooldown ends
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-step-type circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive backend failures that opens
	// a circuit. Zero disables the breakers.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls let through while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the configuration used by the serve command.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	lastFail  time.Time
	probes    int
	threshold int
	cooldown  time.Duration
	probeMax  int
}

// Breakers tracks backend health per step type so a dead browser backend
// fails steps fast with BACKEND_UNAVAILABLE instead of waiting on timeouts.
type Breakers struct {
	mu       sync.Mutex
	circuits map[schema.StepType]*circuit
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates the breaker set.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		circuits: make(map[schema.StepType]*circuit),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a call for stepType may proceed.
func (b *Breakers) Allow(stepType schema.StepType) error {
	if b.disabled() {
		return nil
	}
	c := b.get(stepType)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case BreakerOpen:
		since := b.now().Sub(c.lastFail)
		if since >= c.cooldown {
			c.state = BreakerHalfOpen
			c.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeBackendUnavailable,
			"backend for %s steps unavailable after %d consecutive failures", stepType, c.failures).
			WithDetails(map[string]any{
				"step_type":            string(stepType),
				"consecutive_failures": c.failures,
				"state":                c.state.String(),
				"cooldown_remaining":   (c.cooldown - since).String(),
			})
	case BreakerHalfOpen:
		if c.probes >= c.probeMax {
			return schema.NewErrorf(schema.ErrCodeBackendUnavailable,
				"backend for %s steps is recovering; probe in flight", stepType)
		}
		c.probes++
	}
	return nil
}

// Success closes the circuit of stepType.
func (b *Breakers) Success(stepType schema.StepType) {
	if b.disabled() {
		return
	}
	c := b.get(stepType)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.probes = 0
	c.state = BreakerClosed
}

// Abandon hands back a probe slot taken by Allow when the call ended
// without a verdict on backend health (cancelled or timed out).
func (b *Breakers) Abandon(stepType schema.StepType) {
	if b.disabled() {
		return
	}
	c := b.get(stepType)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerHalfOpen && c.probes > 0 {
		c.probes--
	}
}

// Failure records a backend failure and returns the resulting state.
func (b *Breakers) Failure(stepType schema.StepType) BreakerState {
	if b.disabled() {
		return BreakerClosed
	}
	c := b.get(stepType)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFail = b.now()
	if c.state == BreakerHalfOpen || c.failures >= c.threshold {
		c.state = BreakerOpen
	}
	return c.state
}

// State returns the state of stepType's circuit.
func (b *Breakers) State(stepType schema.StepType) BreakerState {
	if b.disabled() {
		return BreakerClosed
	}
	c := b.get(stepType)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && b.now().Sub(c.lastFail) >= c.cooldown {
		c.state = BreakerHalfOpen
		c.probes = 0
	}
	return c.state
}

func (b *Breakers) disabled() bool {
	return b == nil || b.config.FailureThreshold <= 0
}

func (b *Breakers) get(stepType schema.StepType) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[stepType]
	if !ok {
		c = &circuit{
			threshold: b.config.FailureThreshold,
			cooldown:  b.config.Cooldown,
			probeMax:  b.config.HalfOpenMax,
		}
		b.circuits[stepType] = c
	}
	return c
}
