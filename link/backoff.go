package link

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	initialRetryDelay = 100 * time.Millisecond
	retryDelayFactor  = 2
)

// backoff computes exponential retry delays with optional jitter.
type backoff struct {
	mu sync.Mutex

	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int
}

func newBackoff(initial time.Duration, max time.Duration, multiplier float64, jitter float64) *backoff {
	if initial <= 0 {
		initial = initialRetryDelay
	}
	if max < initial {
		max = initial
	}
	if multiplier < 1 {
		multiplier = retryDelayFactor
	}
	if jitter < 0 {
		jitter = 0
	}

	return &backoff{
		current:    initial,
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
	}
}

// Next returns the next delay and advances the backoff.
func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset restores the initial delay. Call it after a successful connection.
func (b *backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.attempts
}

// addJitter spreads d by up to ±jitter, never below zero.
func (b *backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}

	offset := float64(d) * b.jitter * (2*rand.Float64() - 1) //nolint:gosec
	if res := time.Duration(float64(d) + offset); res > 0 {
		return res
	}

	return 0
}
