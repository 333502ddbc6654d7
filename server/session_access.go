package server

import (
	"github.com/gonzalop/ftpd/internal/auth"
)

func (s *session) handleUSER(user string) {
	if user == "" {
		s.reply(501, "USER requires a user name.")
		return
	}

	if s.server.forceTLS && !s.controlTLS {
		s.reply(530, "TLS required. Issue AUTH TLS first.")
		return
	}

	// USER while authenticated drops back to password entry for the new
	// name; the old login and its filesystem view are gone.
	if s.state == stateAuthenticated && s.fs != nil {
		s.fs.Close()
		s.fs = nil
	}

	s.user = user
	s.state = stateAwaitPass
	s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) {
	if s.state != stateAwaitPass {
		s.reply(503, "Login with USER first.")
		return
	}

	outcome, acct, closeNow := s.server.gate.Verify(s.ctx, s.user, pass, s.remoteIP)
	switch outcome {
	case auth.Success:
		fs, err := s.server.driver.Open(acct)
		if err != nil {
			s.server.logger.Error("driver open failed",
				"session_id", s.sessionID,
				"remote_ip", s.remoteIP,
				"user", s.user,
				"error", err,
			)
			s.state = stateAwaitUser
			s.reply(421, "Service not available.")
			s.closing = true
			return
		}

		s.fs = fs
		s.state = stateAuthenticated
		s.server.logger.Info("authentication_success",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(true, s.user)
		}
		s.reply(230, "User logged in, proceed.")

	case auth.BadCredentials, auth.Blocked:
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"reason", outcome.String(),
		)
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.user)
		}
		s.state = stateAwaitUser
		s.user = ""
		s.reply(530, "Login incorrect.")
		if closeNow {
			s.closing = true
		}

	case auth.Canceled:
		s.closing = true
	}
}
