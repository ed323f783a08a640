package retry

import (
	"context"
	"sync"
	"time"
)

// Recorder is a Sleeper that returns immediately and remembers every wait.
// It backs the time-based tests across packages.
type Recorder struct {
	mu    sync.Mutex
	waits []time.Duration
	notes []string
}

// Sleep implements Sleeper.
func (r *Recorder) Sleep(ctx context.Context, d time.Duration, note string) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.notes = append(r.notes, note)
	r.mu.Unlock()
	return ctx.Err()
}

// Waits returns a copy of the recorded durations.
func (r *Recorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// Notes returns a copy of the recorded notes.
func (r *Recorder) Notes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notes...)
}

// Count returns how many waits with duration d were recorded.
func (r *Recorder) Count(d time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.waits {
		if w == d {
			n++
		}
	}
	return n
}
