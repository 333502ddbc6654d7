package auth

import (
	"sync"
	"time"
)

const (
	// DefaultMaxTries is the failure threshold after which a peer is blocked.
	DefaultMaxTries = 3
	// DefaultCooldown is how long a peer stays blocked, measured from its
	// first failure.
	DefaultCooldown = 5 * time.Minute
)

type failureEntry struct {
	count     int
	firstFail time.Time
}

// FailureCounter tracks consecutive authentication failures per peer IP.
//
// A peer with count >= maxTries is blocked until cooldown has elapsed since
// its first failure, at which point the entry resets. A single mutex guards
// the map; critical sections contain only map operations.
type FailureCounter struct {
	maxTries int
	cooldown time.Duration

	mu      sync.Mutex
	entries map[string]*failureEntry

	// now is swappable for tests.
	now func() time.Time
}

// NewFailureCounter creates a counter. Zero values select the defaults.
func NewFailureCounter(maxTries int, cooldown time.Duration) *FailureCounter {
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &FailureCounter{
		maxTries: maxTries,
		cooldown: cooldown,
		entries:  make(map[string]*failureEntry),
		now:      time.Now,
	}
}

// RecordFailure increments the counter for ip and reports whether the peer
// is blocked as of this failure. Concurrent callers may push the count past
// the threshold; that is acceptable and treated as blocked from then on.
func (f *FailureCounter) RecordFailure(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[ip]
	if !ok || f.expired(e) {
		e = &failureEntry{firstFail: f.now()}
		f.entries[ip] = e
	}
	e.count++
	return e.count >= f.maxTries
}

// IsBlocked reports whether ip is currently blocked. An expired entry is
// removed on the way out.
func (f *FailureCounter) IsBlocked(ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[ip]
	if !ok {
		return false
	}
	if f.expired(e) {
		delete(f.entries, ip)
		return false
	}
	return e.count >= f.maxTries
}

// Clear removes the entry for ip. Called after a successful login.
func (f *FailureCounter) Clear(ip string) {
	f.mu.Lock()
	delete(f.entries, ip)
	f.mu.Unlock()
}

func (f *FailureCounter) expired(e *failureEntry) bool {
	return f.now().Sub(e.firstFail) >= f.cooldown
}
