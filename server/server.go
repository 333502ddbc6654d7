package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpd/internal/auth"
	"github.com/gonzalop/ftpd/internal/portalloc"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("ftpd: server closed")

// Server accepts control connections and runs one session per client.
//
// Lifecycle:
//  1. Create with NewServer()
//  2. Start with ListenAndServe() (binds IPv4 and, if configured, IPv6)
//     or Serve() with your own listener
//  3. Stop with Shutdown(): the listeners close, every session is torn
//     down, and in-flight transfer workers unwind within a bounded time
//
// Example:
//
//	gate := auth.NewGate(backend, 3, 5*time.Minute)
//	srv, err := server.NewServer(":21",
//	    server.WithDriver(server.NewFSDriver()),
//	    server.WithAuthGate(gate),
//	    server.WithPassivePortRange(50000, 50099),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.ListenAndServe())
type Server struct {
	addr     string
	addrIPv6 string // empty disables the IPv6 listener

	driver Driver
	gate   *auth.Gate
	logger *slog.Logger

	tlsConfig *tls.Config
	forceTLS  bool

	welcomeMessage    string
	maxIdleTime       time.Duration
	pasvAcceptTimeout time.Duration

	natIP string
	ports *portalloc.Allocator

	// Caps. maxConnections bounds total sessions; when the bound is
	// reached the accept loop parks on the semaphore instead of rejecting
	// (backpressure). maxConnectionsPerIP rejects with 421.
	maxConnections      int
	maxConnectionsPerIP int
	sem                 *semaphore.Weighted

	metricsCollector    MetricsCollector
	transferLog         io.Writer
	bandwidthPerSession int64
	globalLimiter       *rate.Limiter

	// Session registry: map keyed by session id plus an atomic count.
	sessions    map[string]*session
	sessionsMu  sync.Mutex
	activeCount atomic.Int64

	connsByIP   map[string]int
	connsByIPMu sync.Mutex

	mu         sync.Mutex
	listeners  []net.Listener
	baseCtx    context.Context
	cancelBase context.CancelFunc
	inShutdown atomic.Bool
}

// NewServer creates a server listening on addr ("host:port" or ":port").
// WithDriver and WithAuthGate are required.
func NewServer(addr string, options ...Option) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:                addr,
		logger:              slog.Default(),
		welcomeMessage:      "FTP server ready.",
		maxIdleTime:         5 * time.Minute,
		pasvAcceptTimeout:   30 * time.Second,
		maxConnectionsPerIP: 6,
		sessions:            make(map[string]*session),
		connsByIP:           make(map[string]int),
		baseCtx:             ctx,
		cancelBase:          cancel,
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}

	if s.driver == nil {
		cancel()
		return nil, fmt.Errorf("driver is required (use WithDriver)")
	}
	if s.gate == nil {
		cancel()
		return nil, fmt.Errorf("auth gate is required (use WithAuthGate)")
	}
	if s.ports == nil {
		ports, err := portalloc.New(50000, 50099)
		if err != nil {
			cancel()
			return nil, err
		}
		s.ports = ports
	}
	if s.maxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(s.maxConnections))
	}

	return s, nil
}

// ListenAndServe binds the configured address (both families when an IPv6
// address is configured) and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln4, err := net.Listen("tcp4", s.addr)
	if err != nil {
		return fmt.Errorf("ftpd: listen %s: %w", s.addr, err)
	}
	s.logger.Info("ftp_server_listening", "addr", s.addr)

	listeners := []net.Listener{ln4}
	if s.addrIPv6 != "" {
		ln6, err := net.Listen("tcp6", s.addrIPv6)
		if err != nil {
			ln4.Close()
			return fmt.Errorf("ftpd: listen %s: %w", s.addrIPv6, err)
		}
		s.logger.Info("ftp_server_listening", "addr", s.addrIPv6)
		listeners = append(listeners, ln6)
	}

	var g errgroup.Group
	for _, ln := range listeners {
		g.Go(func() error { return s.Serve(ln) })
	}
	return g.Wait()
}

// Serve accepts connections on l until the listener closes.
//
// Backpressure: at the global session cap the loop blocks before accept
// instead of rejecting, so the kernel queues new clients until a session
// ends. Transient accept errors are retried with exponential backoff capped
// at one second.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.inShutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	defer l.Close()

	var retryDelay time.Duration
	for {
		if s.sem != nil {
			if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := l.Accept()
		if err != nil {
			if s.sem != nil {
				s.sem.Release(1)
			}
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else {
				retryDelay *= 2
			}
			if retryDelay > time.Second {
				retryDelay = time.Second
			}
			s.logger.Error("accept_error", "error", err, "retry_in", retryDelay)
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0

		go s.handleConnection(conn)
	}
}

// handleConnection vets a new control connection and runs its session.
// The semaphore slot acquired in Serve is released here when the session
// ends. A panicking session is contained here so it cannot take the other
// sessions down with it.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session_panic",
				"remote_ip", peerIP(conn),
				"panic", r,
			)
			conn.Close()
		}
		if s.sem != nil {
			s.sem.Release(1)
		}
	}()

	ip := peerIP(conn)

	// A bruteforce-blocked peer gets no banner at all.
	if s.gate.IsBlocked(ip) {
		s.logger.Warn("connection_rejected",
			"remote_ip", ip,
			"reason", "ip_blocked",
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, "ip_blocked")
		}
		conn.Close()
		return
	}

	if s.maxConnectionsPerIP > 0 && !s.tryAddIP(ip) {
		s.logger.Warn("connection_rejected",
			"remote_ip", ip,
			"reason", "per_ip_limit_reached",
			"limit", s.maxConnectionsPerIP,
		)
		if s.metricsCollector != nil {
			s.metricsCollector.RecordConnection(false, "per_ip_limit_reached")
		}
		fmt.Fprintf(conn, "421 Too many connections from your IP address.\r\n")
		conn.Close()
		return
	}
	defer s.removeIP(ip)

	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}

	session := newSession(s, conn)
	s.trackSession(session, true)
	defer s.trackSession(session, false)

	session.serve()
}

func (s *Server) tryAddIP(ip string) bool {
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	if s.connsByIP[ip] >= s.maxConnectionsPerIP {
		return false
	}
	s.connsByIP[ip]++
	return true
}

func (s *Server) removeIP(ip string) {
	s.connsByIPMu.Lock()
	defer s.connsByIPMu.Unlock()
	s.connsByIP[ip]--
	if s.connsByIP[ip] <= 0 {
		delete(s.connsByIP, ip)
	}
}

func (s *Server) trackSession(sess *session, add bool) {
	s.sessionsMu.Lock()
	if add {
		s.sessions[sess.sessionID] = sess
	} else {
		delete(s.sessions, sess.sessionID)
	}
	s.sessionsMu.Unlock()

	var n int64
	if add {
		n = s.activeCount.Add(1)
	} else {
		n = s.activeCount.Add(-1)
	}
	if s.metricsCollector != nil {
		s.metricsCollector.SetActiveSessions(n)
	}
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int64 {
	return s.activeCount.Load()
}

// Shutdown stops the server: listeners close, the accept loops stop, and
// every session's control connection is closed, which unwinds the sessions
// and their transfer workers.
func (s *Server) Shutdown() error {
	s.inShutdown.Store(true)
	s.cancelBase()

	var result *multierror.Error

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.sessionsMu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range sessions {
		sess.shutdown()
	}

	return result.ErrorOrNil()
}
