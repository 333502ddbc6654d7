// Package portalloc hands out passive-mode data ports from a configured
// contiguous range.
//
// Each acquired port is backed by a bound TCP listener owned by exactly one
// session. The allocator scans the range linearly from a rotating cursor so
// consecutive sessions spread across the range instead of fighting over the
// first free port.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned by Acquire when every port in the range is either
// held or failed to bind.
var ErrExhausted = errors.New("portalloc: passive port range exhausted")

// Allocator manages a contiguous range [lo, hi] of passive ports.
// It is safe for concurrent use.
type Allocator struct {
	lo, hi int

	mu     sync.Mutex
	cursor int
	held   map[int]bool
}

// New creates an allocator for the inclusive range [lo, hi].
func New(lo, hi int) (*Allocator, error) {
	if lo <= 0 || hi > 65535 || hi < lo {
		return nil, fmt.Errorf("portalloc: invalid range [%d, %d]", lo, hi)
	}
	return &Allocator{
		lo:   lo,
		hi:   hi,
		held: make(map[int]bool),
	}, nil
}

// Acquire binds a listener on the first available port in the range, scanning
// from a rotating cursor. The bind itself happens outside the lock; only the
// cursor update and the held set are protected.
//
// The host argument selects the address family ("" binds all interfaces).
func (a *Allocator) Acquire(host string) (net.Listener, int, error) {
	rangeLen := a.hi - a.lo + 1

	a.mu.Lock()
	start := a.cursor
	a.cursor = (a.cursor + 1) % rangeLen
	a.mu.Unlock()

	for i := 0; i < rangeLen; i++ {
		port := a.lo + (start+i)%rangeLen

		a.mu.Lock()
		if a.held[port] {
			a.mu.Unlock()
			continue
		}
		a.held[port] = true
		a.mu.Unlock()

		ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err != nil {
			a.mu.Lock()
			delete(a.held, port)
			a.mu.Unlock()
			continue
		}
		return ln, port, nil
	}

	return nil, 0, ErrExhausted
}

// Release returns a port to the free state. Releasing a port that is not held
// is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.held, port)
	a.mu.Unlock()
}

// Held reports whether the port is currently held.
func (a *Allocator) Held(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[port]
}

// Range returns the configured [lo, hi] bounds.
func (a *Allocator) Range() (int, int) {
	return a.lo, a.hi
}
