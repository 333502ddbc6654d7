package server

import (
	"bufio"
	"crypto/tls"
	"strings"
)

// handleAUTH upgrades the control connection to TLS (RFC 4217). The 234
// reply goes out in plaintext; everything after it, including the reader
// goroutine's next read, happens on the TLS stream. The cmdReqChan
// handshake in serve guarantees the reader is parked while we swap.
func (s *session) handleAUTH(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if strings.ToUpper(arg) != "TLS" {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}
	if s.controlTLS {
		s.reply(503, "Already using TLS.")
		return
	}

	s.reply(234, "AUTH TLS successful.")

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)

	s.mu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReader(newTelnetReader(tlsConn))
	s.writer = bufio.NewWriter(tlsConn)
	s.controlTLS = true
	s.mu.Unlock()

	s.server.logger.Info("control_tls_established",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)
}

func (s *session) handlePBSZ(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if !s.controlTLS {
		s.reply(503, "Issue AUTH TLS first.")
		return
	}
	// Only buffer size 0 is meaningful for TLS.
	s.reply(200, "PBSZ=0")
}

// handlePROT selects data-channel protection. The choice is sampled when a
// data connection is opened, not when the passive listener was created.
func (s *session) handlePROT(arg string) {
	if s.server.tlsConfig == nil {
		s.reply(502, "TLS not configured.")
		return
	}
	if !s.controlTLS {
		s.reply(503, "Issue AUTH TLS first.")
		return
	}

	switch strings.ToUpper(arg) {
	case "P":
		s.prot = "P"
		s.reply(200, "PROT P OK.")
	case "C":
		s.prot = "C"
		s.reply(200, "PROT C OK.")
	default:
		s.reply(504, "Only PROT P and PROT C are supported.")
	}
}
