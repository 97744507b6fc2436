// Package ratelimit bounds the outbound broker call rate with a per-second and a
// per-minute ceiling.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is a sliding log of grant times inside a fixed-size span.
type window struct {
	limit int
	size  time.Duration
	hits  []time.Time
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// wait is how long until a slot frees; zero when one is free now.
func (w *window) wait(now time.Time) time.Duration {
	if len(w.hits) < w.limit {
		return 0
	}
	return w.hits[0].Add(w.size).Sub(now)
}

// Limiter admits calls while both windows have room. It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	second window
	minute window
	now    func() time.Time
}

func New(perSecond, perMinute int) *Limiter {
	return &Limiter{
		second: window{limit: perSecond, size: time.Second},
		minute: window{limit: perMinute, size: time.Minute},
		now:    time.Now,
	}
}

// Acquire either grants a slot at now, consuming it in both windows, or returns the
// minimum wait before a retry can succeed.
func (l *Limiter) Acquire(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.second.prune(now)
	l.minute.prune(now)

	wait := max(l.second.wait(now), l.minute.wait(now))
	if wait > 0 {
		return false, wait
	}
	l.second.hits = append(l.second.hits, now)
	l.minute.hits = append(l.minute.hits, now)
	return true, 0
}

// Wait blocks until a slot is granted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		granted, wait := l.Acquire(l.now())
		if granted {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining reports the free slots in the current second and minute windows.
func (l *Limiter) Remaining(now time.Time) (perSecond, perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.second.prune(now)
	l.minute.prune(now)
	return l.second.limit - len(l.second.hits), l.minute.limit - len(l.minute.hits)
}
