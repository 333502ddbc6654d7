// Package auth validates FTP credentials and tracks per-IP failures to slow
// down bruteforce attempts.
//
// Two backends are supported: a local user table (plaintext or bcrypt
// password hashes) and PAM. Regardless of backend, a peer that is currently
// blocked by the failure counter never reaches the backend at all.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Outcome is the result of a verification attempt.
type Outcome int

const (
	// Success means the credentials are valid.
	Success Outcome = iota
	// BadCredentials means the user/password pair was rejected.
	BadCredentials
	// Blocked means the peer IP has exceeded the failure threshold and the
	// cooldown has not yet elapsed. The backend was not consulted.
	Blocked
	// Canceled means the session went away while verification was in
	// flight. The backend's eventual result is discarded.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case BadCredentials:
		return "bad_credentials"
	case Blocked:
		return "blocked"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// User is one entry of the local account table.
type User struct {
	Name     string
	Password string // plaintext, or a bcrypt hash ($2...$)
	Home     string
	ReadOnly bool

	// OwnerUID/OwnerGID, when >= 0, are applied to files this user uploads.
	OwnerUID int
	OwnerGID int
}

// Account is what a successful verification yields: everything the session
// needs to build the user's filesystem view.
type Account struct {
	Name     string
	Home     string
	ReadOnly bool
	OwnerUID int
	OwnerGID int
}

// Backend verifies a user/password pair.
type Backend interface {
	Verify(user, pass string) (*Account, error)
}

// Gate combines a backend with the per-IP failure counter.
type Gate struct {
	backend  Backend
	failures *FailureCounter
}

// NewGate creates a gate over the given backend. maxTries and cooldown
// configure the failure counter (see NewFailureCounter for the defaults
// applied to zero values).
func NewGate(backend Backend, maxTries int, cooldown time.Duration) *Gate {
	return &Gate{
		backend:  backend,
		failures: NewFailureCounter(maxTries, cooldown),
	}
}

// Verify checks the credentials for a peer. A blocked peer short-circuits to
// Blocked without touching the backend. On success the peer's failure count
// is cleared; on failure it is incremented.
//
// The backend runs on its own goroutine so a slow backend (PAM in
// particular) cannot stall the caller past ctx cancellation; a result that
// arrives after the context is done is discarded and does not touch the
// counters.
//
// The returned bool reports whether the caller should drop the connection:
// it is true when the peer was already blocked or when this failure crossed
// the blocking threshold.
func (g *Gate) Verify(ctx context.Context, user, pass, peerIP string) (Outcome, *Account, bool) {
	if g.failures.IsBlocked(peerIP) {
		return Blocked, nil, true
	}

	type result struct {
		acct *Account
		err  error
	}
	ch := make(chan result, 1) // buffered: a late result must not leak the goroutine
	go func() {
		acct, err := g.backend.Verify(user, pass)
		ch <- result{acct, err}
	}()

	select {
	case <-ctx.Done():
		return Canceled, nil, false
	case res := <-ch:
		if res.err != nil {
			nowBlocked := g.failures.RecordFailure(peerIP)
			return BadCredentials, nil, nowBlocked
		}
		g.failures.Clear(peerIP)
		return Success, res.acct, false
	}
}

// IsBlocked reports whether the peer IP is currently in the blocked state.
// The Listener consults this before sending the 220 banner.
func (g *Gate) IsBlocked(peerIP string) bool {
	return g.failures.IsBlocked(peerIP)
}

// localBackend verifies against an in-memory user table. The table is
// immutable after construction and therefore read lock-free.
type localBackend struct {
	users map[string]*User
}

// NewLocalBackend builds a backend over the given user table.
func NewLocalBackend(users []User) (Backend, error) {
	m := make(map[string]*User, len(users))
	for i := range users {
		u := users[i]
		if u.Name == "" {
			return nil, fmt.Errorf("auth: user with empty name")
		}
		if u.Home == "" {
			return nil, fmt.Errorf("auth: user %q has no home directory", u.Name)
		}
		if _, dup := m[u.Name]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Name)
		}
		m[u.Name] = &u
	}
	return &localBackend{users: m}, nil
}

func (b *localBackend) Verify(user, pass string) (*Account, error) {
	u, ok := b.users[user]
	if !ok {
		// Burn comparable time for unknown users so the response time does
		// not reveal which names exist.
		subtle.ConstantTimeCompare([]byte(pass), []byte(pass))
		return nil, fmt.Errorf("auth: unknown user")
	}

	if !checkPassword(u.Password, pass) {
		return nil, fmt.Errorf("auth: bad password")
	}

	return &Account{
		Name:     u.Name,
		Home:     u.Home,
		ReadOnly: u.ReadOnly,
		OwnerUID: u.OwnerUID,
		OwnerGID: u.OwnerGID,
	}, nil
}

// checkPassword compares a stored credential against the supplied password.
// Bcrypt hashes are detected by their $2 prefix; anything else is compared
// in constant time as plaintext.
func checkPassword(stored, supplied string) bool {
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
