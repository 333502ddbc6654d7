package server

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gonzalop/ftpd/internal/auth"
	"github.com/gonzalop/ftpd/internal/portalloc"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithDriver sets the filesystem driver. Required.
func WithDriver(driver Driver) Option {
	return func(s *Server) error {
		if s.driver != nil {
			return fmt.Errorf("driver already set")
		}
		s.driver = driver
		return nil
	}
}

// WithAuthGate sets the authentication gate. Required.
func WithAuthGate(gate *auth.Gate) Option {
	return func(s *Server) error {
		s.gate = gate
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithTLS enables explicit FTPS (AUTH TLS) with the given configuration.
func WithTLS(config *tls.Config) Option {
	return func(s *Server) error {
		s.tlsConfig = config
		return nil
	}
}

// WithForceTLS rejects USER on a plaintext control connection, forcing
// clients through AUTH TLS first. Requires WithTLS.
func WithForceTLS(force bool) Option {
	return func(s *Server) error {
		s.forceTLS = force
		return nil
	}
}

// WithIPv6 adds a second control listener on the given address, e.g.
// "[::]:21". ListenAndServe serves both.
func WithIPv6(addr string) Option {
	return func(s *Server) error {
		s.addrIPv6 = addr
		return nil
	}
}

// WithWelcomeMessage overrides the 220 banner text.
func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcomeMessage = msg
		return nil
	}
}

// WithMaxIdleTime sets how long the control channel may sit idle before the
// session is closed with a 421. Defaults to 5 minutes.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithMaxConnections caps concurrent sessions. total 0 means unlimited; at
// the cap new connections wait in the accept queue rather than being
// rejected. perIP 0 disables the per-address cap (default 6); at that cap
// connections are rejected with 421.
func WithMaxConnections(total, perIP int) Option {
	return func(s *Server) error {
		s.maxConnections = total
		s.maxConnectionsPerIP = perIP
		return nil
	}
}

// WithPassivePortRange sets the inclusive port range used for passive-mode
// data listeners. Defaults to [50000, 50099].
func WithPassivePortRange(lo, hi int) Option {
	return func(s *Server) error {
		ports, err := portalloc.New(lo, hi)
		if err != nil {
			return err
		}
		s.ports = ports
		return nil
	}
}

// WithPassiveAcceptTimeout bounds how long a passive listener waits for the
// client's data connection. Defaults to 30 seconds.
func WithPassiveAcceptTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.pasvAcceptTimeout = d
		return nil
	}
}

// WithNATIP overrides the address advertised in PASV replies. Needed when
// the server sits behind NAT and its local address is not reachable.
func WithNATIP(ip string) Option {
	return func(s *Server) error {
		s.natIP = ip
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metricsCollector = collector
		return nil
	}
}

// WithTransferLog sets a sink for xferlog-format transfer records.
func WithTransferLog(w io.Writer) Option {
	return func(s *Server) error {
		s.transferLog = w
		return nil
	}
}

// WithBandwidthLimits throttles transfers: global applies across all
// sessions, perSession to each session independently. 0 disables either.
func WithBandwidthLimits(global, perSession int64) Option {
	return func(s *Server) error {
		s.globalLimiter = newBandwidthLimiter(global)
		s.bandwidthPerSession = perSession
		return nil
	}
}
