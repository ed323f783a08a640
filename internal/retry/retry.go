// Package retry holds the waiting primitives shared by the login, captcha and
// gas estimation loops. All waits go through a Sleeper so loops can be
// driven deterministically in tests.
package retry

import (
	"context"
	"time"
)

const (
	// BaseDelay is the first backoff step.
	BaseDelay = 2 * time.Second
	// MaxDelay caps every exponential step.
	MaxDelay = 30 * time.Second
	// RateLimitCooldown is the fixed pause after an HTTP 429.
	RateLimitCooldown = 60 * time.Second
)

// Sleeper suspends the calling goroutine. The note is a human readable
// description of what is being waited for.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration, note string) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration, note string) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration, note string) error {
	return f(ctx, d, note)
}

// Timer sleeps on the wall clock and returns early with ctx.Err() when the
// context is cancelled.
type Timer struct {
	// Notify, when set, receives the note before every wait.
	Notify func(d time.Duration, note string)
}

// Sleep implements Sleeper.
func (t Timer) Sleep(ctx context.Context, d time.Duration, note string) error {
	if t.Notify != nil && note != "" {
		t.Notify(d, note)
	}
	if d <= 0 {
		return ctx.Err()
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

// Exponential returns min(BaseDelay * 2^step, MaxDelay).
func Exponential(step int) time.Duration {
	if step < 0 {
		step = 0
	}
	delay := BaseDelay
	for i := 0; i < step; i++ {
		delay *= 2
		if delay >= MaxDelay {
			return MaxDelay
		}
	}
	return delay
}
