package connection

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Respawn backoff for driver subprocesses.
const (
	// RespawnInitial is the delay before the first respawn.
	RespawnInitial = 5 * time.Second

	// RespawnMax caps the respawn delay.
	RespawnMax = 60 * time.Second

	// BackoffMultiplier is the factor by which the respawn delay grows.
	BackoffMultiplier = 2.0
)

// ReconnectInterval is the fixed delay between attempts to reach a remote
// server.
const ReconnectInterval = 1 * time.Second

// Backoff calculates exponential backoff delays with optional jitter.
type Backoff struct {
	mu sync.Mutex

	// Current backoff delay (before jitter)
	current time.Duration

	// Configuration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	// Attempt counter
	attempts int

	// Random source for jitter
	rng *rand.Rand
}

// BackoffConfig allows customizing backoff parameters.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration

	// Multiplier of 1 gives a fixed interval.
	Multiplier float64

	// Jitter is the maximum added delay as a fraction of the base delay.
	Jitter float64
}

// RespawnBackoff returns the subprocess respawn schedule: 5s, 10s, 20s, 40s,
// then 60s.
func RespawnBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{
		Initial:    RespawnInitial,
		Max:        RespawnMax,
		Multiplier: BackoffMultiplier,
	})
}

// ReconnectBackoff returns the fixed one second server reconnect schedule.
func ReconnectBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{
		Initial:    ReconnectInterval,
		Max:        ReconnectInterval,
		Multiplier: 1,
	})
}

// NewBackoffWithConfig creates a backoff calculator with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = RespawnInitial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		current:    cfg.Initial,
		initial:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next backoff delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
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

// Peek returns the current backoff delay without advancing.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addJitter(b.current)
}

// Reset resets the backoff to initial values.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of backoff attempts since last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the current base backoff (without jitter).
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
