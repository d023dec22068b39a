package providers

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Backoff defines an exponential delay schedule with jitter.
type Backoff struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter is the fraction of each delay that is randomized (0.25 = ±25%).
	Jitter float64
}

// DefaultBackoff returns the polling schedule: 1s doubling up to 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

// Delay calculates the delay before the given (zero based) attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(factor, float64(attempt))

	if b.Jitter > 0 {
		delay += delay * b.Jitter * (2*rand.Float64() - 1)
	}

	// Cap at max delay
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimiter spaces out API calls shared by concurrent pollers.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter with minimum interval between calls.
// A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		return &RateLimiter{}
	}
	return &RateLimiter{
		interval: time.Duration(float64(time.Second) / requestsPerSecond),
	}
}

// Wait blocks until it's safe to make the next API call.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	now := time.Now()
	next := rl.lastCall.Add(rl.interval)
	if next.Before(now) {
		next = now
	}
	// Reserve the slot before sleeping so concurrent callers queue up.
	rl.lastCall = next
	rl.mu.Unlock()

	sleep := time.Until(next)
	if sleep <= 0 {
		return ctx.Err()
	}
	log.Debug().Dur("sleep", sleep).Msg("Rate limiting API call")
	t := time.NewTimer(sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ValidationError represents a request the provider refuses before any API call.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// ValidateRequest checks the fields every provider needs.
func ValidateRequest(req SpotRequest) error {
	if req.Group == "" {
		return ValidationError{Field: "group", Value: "", Message: "group name is required"}
	}
	if req.Count <= 0 || req.Count > 1000 {
		return ValidationError{Field: "count", Value: fmt.Sprintf("%d", req.Count), Message: "count must be between 1 and 1000"}
	}
	if strings.TrimSpace(req.InstanceType) == "" {
		return ValidationError{Field: "instance_type", Value: req.InstanceType, Message: "instance type is required"}
	}
	if strings.TrimSpace(req.ImageID) == "" {
		return ValidationError{Field: "image", Value: req.ImageID, Message: "image is required"}
	}
	if req.MaxDuration < 0 {
		return ValidationError{Field: "max_duration", Value: req.MaxDuration.String(), Message: "must not be negative"}
	}
	return nil
}
