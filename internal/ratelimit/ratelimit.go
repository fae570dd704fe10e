// Package ratelimit is a per-key fixed-window request limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Limiter allows Limit requests per key in each Window. Windows that ended
// are evicted by Sweep; Run sweeps periodically until Close.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*window

	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// New returns a limiter. A non-positive limit disables limiting.
func New(limit int, per time.Duration) *Limiter {
	if per <= 0 {
		per = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: per,
		now:    time.Now,
		keys:   make(map[string]*window),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow records one request for key and reports whether it is within the
// limit. The second value is when the current window resets.
func (l *Limiter) Allow(key string) (bool, time.Time) {
	if l.limit <= 0 {
		return true, time.Time{}
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.keys[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		w = &window{start: now}
		l.keys[key] = w
	}
	reset := w.start.Add(l.window)
	if w.count >= l.limit {
		return false, reset
	}
	w.count++
	return true, reset
}

// Remaining returns the requests left for key in its current window.
func (l *Limiter) Remaining(key string) int {
	if l.limit <= 0 {
		return -1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.keys[key]
	if !ok || !now.Before(w.start.Add(l.window)) {
		return l.limit
	}
	return l.limit - w.count
}

// Sweep drops expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.keys {
		if !now.Before(w.start.Add(l.window)) {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// Run sweeps once per window until ctx is done or Close is called.
func (l *Limiter) Run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Close stops Run, if running, and forgets all keys.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
	l.mu.Lock()
	l.keys = make(map[string]*window)
	l.mu.Unlock()
}

// Done is closed when Run returns.
func (l *Limiter) Done() <-chan struct{} { return l.done }
