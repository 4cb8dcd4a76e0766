package resilience

import (
	"sync"
	"time"
)

const (
	// MinHealth is the lowest health multiplier a FlowController can reach
	MinHealth = 0.2
	// MaxHealth is the health multiplier of a perfectly healthy connection
	MaxHealth = 1.0

	healthDecay    = 0.7
	healthRecovery = 1.05
)

// DefaultFrameRate is the expected frame rate for 20ms audio frames
const DefaultFrameRate = 50.0

// FlowController is a token bucket whose refill rate is scaled by a health
// multiplier reflecting recent connection quality.
//
// It never sleeps itself: Consume returns how long the caller must wait.
type FlowController struct {
	mu       sync.Mutex
	rate     float64 // tokens per second at full health
	capacity float64
	tokens   float64
	last     time.Time
	health   float64
	now      func() time.Time
}

// FlowOption configures a FlowController
type FlowOption func(*FlowController)

// WithClock replaces the time source (used by tests)
func WithClock(now func() time.Time) FlowOption {
	return func(f *FlowController) {
		f.now = now
	}
}

// NewFlowController creates a full bucket with the given rate and capacity.
// Non-positive values fall back to DefaultFrameRate.
func NewFlowController(rate, capacity float64, opts ...FlowOption) *FlowController {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	if capacity <= 0 {
		capacity = rate
	}

	f := &FlowController{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		health:   MaxHealth,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.last = f.now()
	return f
}

// Consume takes cost tokens from the bucket and returns the time the caller
// must wait before proceeding. A zero duration means the request fits.
func (f *FlowController) Consume(cost float64) time.Duration {
	if cost <= 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.refill()

	if f.tokens >= cost {
		f.tokens -= cost
		return 0
	}

	deficit := cost - f.tokens
	f.tokens = 0

	seconds := deficit / (f.rate * f.health)
	return time.Duration(seconds * float64(time.Second))
}

// refill must be called with mu held
func (f *FlowController) refill() {
	now := f.now()
	elapsed := now.Sub(f.last).Seconds()
	f.last = now
	if elapsed <= 0 {
		return
	}

	f.tokens += elapsed * f.rate * f.health
	if f.tokens > f.capacity {
		f.tokens = f.capacity
	}
}

// ConnectionError degrades the health multiplier
func (f *FlowController) ConnectionError() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.health *= healthDecay
	if f.health < MinHealth {
		f.health = MinHealth
	}
}

// ConnectionSuccess recovers the health multiplier
func (f *FlowController) ConnectionSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.health *= healthRecovery
	if f.health > MaxHealth {
		f.health = MaxHealth
	}
}

// Health returns the current health multiplier
func (f *FlowController) Health() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

// Tokens returns the token balance as of the last Consume call
func (f *FlowController) Tokens() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}
