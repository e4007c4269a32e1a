// Package ratelimit implements the token bucket the coordinator uses to
// cap how many attach attempts it makes per refill period. The coordinator
// charges every attempt as ClassAttachRetryTransient; the other classes
// below are defined with their costs but not charged by the coordinator.
//
// Cost model:
//   - attach retry (transient):       cost 1
//   - attach retry (after backoff):   cost 3
//   - attach abandoned (permanent):   cost 10
//   - drop-class log line, per class: cost 1
//
// Rationale: a flapping uprobe target (server restarting, binary being
// replaced under us) must not turn into a log-spam or retry-storm
// incident; higher-impact actions (giving up on an OU entirely) consume
// more budget than a single retry.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
//   - No external dependencies.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Class names the kind of coordinator event being rate-limited.
type Class string

const (
	ClassAttachRetryTransient Class = "attach_retry_transient"
	ClassAttachRetryBackoff   Class = "attach_retry_backoff"
	ClassAttachAbandoned      Class = "attach_abandoned"
	ClassDropLog              Class = "drop_log"
)

// CostModel defines the token cost for each event class. Costs must be
// positive integers.
var CostModel = map[Class]int{
	ClassAttachRetryTransient: 1,
	ClassAttachRetryBackoff:   3,
	ClassAttachAbandoned:      10,
	ClassDropLog:              1,
}

// Bucket is a thread-safe token bucket for rate-limiting coordinator
// logging and retry behavior.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill
// goroutine. capacity must be > 0, refillPeriod must be > 0. Call Close()
// to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop refills the bucket to full capacity every refillPeriod.
// Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume cost tokens. Returns true if available and
// consumed, false if the caller must defer the action.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForClass consumes the standard cost for the given event class.
// Returns true (free) for classes with no defined cost.
func (b *Bucket) ConsumeForClass(class Class) bool {
	cost, ok := CostModel[class]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
