// Package ratelimit paces remote calls and retries the ones that fail transiently.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Class groups remote calls that share a pacing budget
type Class string

const (
	ClassList      Class = "list"
	ClassGet       Class = "get"
	ClassUpload    Class = "upload"
	ClassExists    Class = "exists"
	ClassDirectory Class = "directory"
)

// Settings configures a Controller
type Settings struct {
	// Minimum spacing between two admitted calls of a class
	Delays       map[Class]time.Duration
	DefaultDelay time.Duration

	BusyEnabled bool
	BusyStart   int
	BusyEnd     int
	BusyDelay   time.Duration
	Location    *time.Location

	BatchDelay  time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      float64
}

// Option customises a Controller
type Option func(*Controller)

// WithClock replaces the time source and the sleep function
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// WithRand replaces the jitter source; it must return values in [0,1)
func WithRand(r func() float64) Option {
	return func(c *Controller) { c.rand = r }
}

// Controller is the per-run pacing and retry state shared by all workers
type Controller struct {
	settings Settings

	mu   sync.Mutex
	last map[Class]time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	rand  func() float64
}

// New creates a Controller
func New(settings Settings, opts ...Option) *Controller {
	if settings.MaxRetries < 1 {
		settings.MaxRetries = 1
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	c := &Controller{
		settings: settings,
		last:     make(map[Class]time.Time),
		now:      time.Now,
		sleep:    Sleep,
		rand:     rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BeforeCall blocks until a call of the class may be issued. Slots are reserved
// under the lock; the wait itself happens outside it.
func (c *Controller) BeforeCall(ctx context.Context, class Class) error {
	c.mu.Lock()
	now := c.now()
	delay := c.delayFor(class, now)
	at := now
	if last, ok := c.last[class]; ok && last.Add(delay).After(now) {
		at = last.Add(delay)
	}
	c.last[class] = at
	c.mu.Unlock()

	return c.sleep(ctx, at.Sub(now))
}

// InBusyWindow reports whether t falls inside the configured busy hours
func (c *Controller) InBusyWindow(t time.Time) bool {
	if !c.settings.BusyEnabled {
		return false
	}
	h := t.In(c.settings.Location).Hour()
	return h >= c.settings.BusyStart && h < c.settings.BusyEnd
}

func (c *Controller) delayFor(class Class, now time.Time) time.Duration {
	delay, ok := c.settings.Delays[class]
	if !ok {
		delay = c.settings.DefaultDelay
	}
	if c.InBusyWindow(now) && c.settings.BusyDelay > delay {
		delay = c.settings.BusyDelay
	}
	return delay
}

// Do runs fn through admission control and retries retryable failures
// with exponential backoff. It never makes more than MaxRetries attempts.
func (c *Controller) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	var prev time.Duration
	for attempt := 1; ; attempt++ {
		if err := c.BeforeCall(ctx, class); err != nil {
			return err
		}

		err := fn(ctx)
		outcome, hint := Classify(err)
		switch outcome {
		case OK:
			return nil
		case Fatal:
			return err
		}

		if attempt >= c.settings.MaxRetries {
			return fmt.Errorf("%s call: %w after %d attempts: %w", class, ErrRetriesExhausted, attempt, err)
		}

		wait := c.Backoff(attempt, prev, hint)
		prev = wait
		log.WithFields(log.Fields{
			"class":   class,
			"attempt": attempt,
			"wait":    wait.String(),
		}).Warnf("retryable error: %v", err)

		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Backoff returns the wait before the next attempt: base*2^(attempt-1) plus jitter,
// raised to the server hint and the previous wait, capped at BackoffMax.
func (c *Controller) Backoff(attempt int, prev, hint time.Duration) time.Duration {
	s := c.settings
	d := s.BackoffMax
	if shift := attempt - 1; shift < 32 {
		if exp := s.BackoffBase << shift; exp > 0 && exp < s.BackoffMax {
			d = exp
		}
	}
	if s.Jitter > 0 {
		d += time.Duration(float64(d) * s.Jitter * c.rand())
	}
	if hint > d {
		d = hint
	}
	if prev > d {
		d = prev
	}
	if d > s.BackoffMax {
		d = s.BackoffMax
	}
	return d
}

// PauseBetweenBatches sleeps for the configured inter-batch delay
func (c *Controller) PauseBetweenBatches(ctx context.Context) error {
	return c.sleep(ctx, c.settings.BatchDelay)
}
