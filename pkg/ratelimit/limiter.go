// Package ratelimit provides a sliding-window request limiter with an
// optional bounded wait queue.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Rejection errors. Callers treat these as contained task failures at the
// dispatch site.
var (
	ErrRateLimited = errors.New("Rate limit exceeded")
	ErrQueueFull   = errors.New("Rate limit queue full")
	ErrReset       = errors.New("Rate limiter reset")
)

// Config controls the limiter window and queueing behavior.
type Config struct {
	MaxRequests  int
	Window       time.Duration
	QueueExcess  bool
	MaxQueueSize int
}

// DefaultConfig returns the default limiter configuration: 10 requests per
// 1 s window, queueing enabled with a 100-entry queue.
func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: time.Second, QueueExcess: true, MaxQueueSize: 100}
}

// Stats is a point-in-time snapshot of the limiter counters.
type Stats struct {
	Allowed   int64 `json:"allowed"`
	Throttled int64 `json:"throttled"`
	Queued    int64 `json:"queued"`
	Rejected  int64 `json:"rejected"`
	QueueSize int   `json:"queueSize"`
	Remaining int   `json:"remaining"`
}

type waiter struct {
	ch        chan error
	cancelled bool
}

// Limiter admits at most MaxRequests within any sliding Window. Excess
// acquires are queued (when QueueExcess is set) and released by a
// background drainer as window slots free up, or rejected immediately.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	timestamps []time.Time
	queue      []*waiter
	draining   bool

	allowed   int64
	throttled int64
	queued    int64
	rejected  int64
}

// New creates a limiter with the given configuration.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	return &Limiter{cfg: cfg}
}

// Acquire blocks until a window slot is available, the context is
// cancelled, or the acquire is rejected. A nil return means one request
// slot was consumed.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	l.prune(now)

	if len(l.timestamps) < l.cfg.MaxRequests {
		l.timestamps = append(l.timestamps, now)
		l.allowed++
		l.mu.Unlock()
		return nil
	}

	l.throttled++
	if !l.cfg.QueueExcess {
		l.rejected++
		l.mu.Unlock()
		return ErrRateLimited
	}
	if len(l.queue) >= l.cfg.MaxQueueSize {
		l.rejected++
		l.mu.Unlock()
		return ErrQueueFull
	}

	w := &waiter{ch: make(chan error, 1)}
	l.queue = append(l.queue, w)
	l.queued++
	if !l.draining {
		l.draining = true
		go l.drain()
	}
	l.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		l.cancelWaiter(w)
		return ctx.Err()
	}
}

// cancelWaiter marks w cancelled. The drainer may have granted a slot in
// the instant before the mark landed; that grant sits unread in w.ch, so
// it is reclaimed here instead of wasting a window slot.
func (l *Limiter) cancelWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w.cancelled = true
	select {
	case err := <-w.ch:
		if err == nil && len(l.timestamps) > 0 {
			l.timestamps = l.timestamps[:len(l.timestamps)-1]
			l.allowed--
		}
	default:
	}
}

// drain releases queued waiters as window slots free up. It polls at
// min(time-to-next-free-slot + 10ms, 100ms) and exits when the queue is
// empty.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		for len(l.queue) > 0 && len(l.timestamps) < l.cfg.MaxRequests {
			w := l.queue[0]
			l.queue = l.queue[1:]
			if w.cancelled {
				continue
			}
			l.timestamps = append(l.timestamps, now)
			l.allowed++
			w.ch <- nil
		}

		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}

		wait := 100 * time.Millisecond
		if len(l.timestamps) > 0 {
			untilFree := l.timestamps[0].Add(l.cfg.Window).Sub(now) + 10*time.Millisecond
			if untilFree < wait {
				wait = untilFree
			}
		}
		l.mu.Unlock()

		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

// Reset rejects every queued waiter and clears the window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.queue {
		if !w.cancelled {
			w.ch <- ErrReset
		}
		l.rejected++
	}
	l.queue = nil
	l.timestamps = nil
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(time.Now())
	remaining := l.cfg.MaxRequests - len(l.timestamps)
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Allowed:   l.allowed,
		Throttled: l.throttled,
		Queued:    l.queued,
		Rejected:  l.rejected,
		QueueSize: len(l.queue),
		Remaining: remaining,
	}
}

// prune drops timestamps that fell out of the sliding window. Caller holds
// the mutex.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.timestamps) && !l.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = append(l.timestamps[:0], l.timestamps[i:]...)
	}
}
