// Package osapi bundles the small set of host services the channel and
// ACS engines need but never implement themselves: a clock, a lock with a
// condition signal, and advisory logging. It stands in for bplib_os.h: the
// source library's thin wrapper over POSIX/cFE primitives.
package osapi

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Clock reports seconds since the Unix epoch, matching bplib_os_systime's
// second-granularity contract. It exists as an interface so tests can
// inject a controllable clock instead of wall time.
type Clock interface {
	Now() int64
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current Unix time in seconds.
func (SystemClock) Now() int64 { return time.Now().Unix() }

// FakeClock is a manually-advanced Clock for deterministic tests of
// timeout and retransmit behaviour.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock creates a FakeClock starting at the given Unix second.
func NewFakeClock(start int64) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the clock's current value.
func (c *FakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set pins the clock to an absolute Unix second.
func (c *FakeClock) Set(sec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = sec
}

// Advance moves the clock forward by delta seconds.
func (c *FakeClock) Advance(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += delta
}

// Lock is a mutex paired with a condition variable, guarding the active
// table and its window counters the way a single bplib channel lock does.
// WaitTimeout realizes the "wait at most WRAP_TIMEOUT ms, then re-check"
// loop spec.md's wrap handling depends on.
type Lock struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLock creates a ready-to-use Lock.
func NewLock() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Do runs fn with the lock held.
func (l *Lock) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// Signal wakes one goroutine blocked in WaitTimeout. The caller must hold
// the lock via Do (or already hold l.mu directly) to avoid missing a
// wakeup, mirroring the source's lock-then-signal discipline.
func (l *Lock) Signal() {
	l.cond.Signal()
}

// WaitTimeout blocks on the condition variable for at most timeout,
// returning true if it was woken by Signal and false on expiry. The
// caller must already hold the lock (normally from inside a Do closure).
func (l *Lock) WaitTimeout(timeout time.Duration) bool {
	stop := make(chan struct{})

	go func() {
		select {
		case <-time.After(timeout):
			l.mu.Lock()
			l.cond.Broadcast()
			l.mu.Unlock()
		case <-stop:
		}
	}()

	start := time.Now()
	l.cond.Wait()
	close(stop)

	return time.Since(start) < timeout
}

// Random returns a non-negative pseudo-random int; bplib's own random hook
// is similarly advisory, not cryptographic. Nothing in this module calls
// it: the wrap wait in the channel engine applies no jitter.
func Random() int {
	return rand.Int()
}

// Logger is the advisory logging sink spec.md §7 routes error-logging
// through. It is a thin named wrapper over logrus so call sites read the
// same as the rest of the pack's structured logging.
type Logger struct {
	entry *log.Entry
}

// NewLogger creates a Logger tagging every line with the given channel
// route for easy filtering in multi-channel deployments.
func NewLogger(route string) *Logger {
	return &Logger{entry: log.WithField("route", route)}
}

// Warnf logs a recoverable, advisory condition (storage failure, clock
// failure, wire parse failure) — the core never treats a log call as a
// control-flow decision.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

// Debugf logs fine-grained channel engine tracing.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}
