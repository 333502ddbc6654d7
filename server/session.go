package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxCommandLength is the maximum length of a command line on the wire,
// CRLF included. Longer lines close the session with a 500 reply.
const maxCommandLength = 4096

var errCommandTooLong = errors.New("command line too long")

// authState is the session's position in the login sub-machine.
type authState int

const (
	stateAwaitUser authState = iota
	stateAwaitPass
	stateAuthenticated
)

// session is one control connection and everything it owns: the control
// stream, the pending data-channel intent, the held passive port and the
// at-most-one transfer worker. All of it is released in close(), whatever
// the exit path.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	mu     sync.Mutex // protects conn/reader/writer swaps and the worker slot

	sessionID string
	remoteIP  string

	// Command-state.
	state         authState
	user          string // pending (AwaitPass) or authenticated user name
	fs            ClientContext
	transferType  string // "I" or "A"
	restartOffset int64
	renameFrom    string
	closing       bool

	// Control-channel TLS.
	controlTLS bool
	prot       string // data-channel protection: "C" or "P"

	// Data-channel intent. At most one of pasvList / activeHost is set.
	pasvList   net.Listener
	pasvPort   int
	activeHost string
	activePort int

	// Transfer worker (at most one in flight).
	worker       *transfer
	abortPending bool

	// limiter throttles this session's transfers when the server has a
	// per-session bandwidth cap. It persists across the session's
	// transfers so the budget is not reset by each command.
	limiter *rate.Limiter

	// ctx is canceled when the session closes; it gates slow auth backends.
	ctx       context.Context
	cancelCtx context.CancelFunc

	// The reader goroutine waits on cmdReqChan between commands so the
	// main loop can swap the connection under AUTH TLS safely.
	cmdReqChan chan struct{}
}

type command struct {
	line string
	err  error
}

// commandHandlers is the dispatch table. USER, PASS, QUIT and NOOP are
// handled directly in handleCommand.
var commandHandlers = map[string]func(*session, string){
	// Navigation
	"PWD":  (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"CDUP": (*session).handleCDUP,

	// Filesystem
	"MKD":  (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,

	// Transfer parameters
	"TYPE": (*session).handleTYPE,
	"PORT": (*session).handlePORT,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
	"EPRT": (*session).handleEPRT,
	"REST": (*session).handleREST,

	// Transfers
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"APPE": (*session).handleAPPE,
	"STOU": (*session).handleSTOU,
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"MLSD": (*session).handleMLSD,
	"MLST": (*session).handleMLST,

	// Information
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
	"SYST": (*session).handleSYST,
	"STAT": (*session).handleSTAT,
	"HELP": (*session).handleHELP,
	"SITE": (*session).handleSITE,

	// RFC 1123 compliance
	"ACCT": (*session).handleACCT,
	"MODE": (*session).handleMODE,
	"STRU": (*session).handleSTRU,

	// Security
	"AUTH": (*session).handleAUTH,
	"PROT": (*session).handlePROT,
	"PBSZ": (*session).handlePBSZ,

	// Special
	"ABOR": (*session).handleABOR,
}

// preAuthCommands are the only verbs accepted before authentication.
var preAuthCommands = map[string]bool{
	"USER": true, "PASS": true, "AUTH": true, "QUIT": true,
	"FEAT": true, "HELP": true, "NOOP": true, "SYST": true,
}

// dataCommands initiate a transfer and are rejected with 425 while one is
// already in flight.
var dataCommands = map[string]bool{
	"RETR": true, "STOR": true, "APPE": true, "STOU": true,
	"LIST": true, "NLST": true, "MLSD": true,
}

// restKeepCommands do not clear a pending REST offset: the transfers that
// consume it, REST itself, and the setup commands clients send between
// REST and the transfer. Anything else discards the offset.
var restKeepCommands = map[string]bool{
	"REST": true, "RETR": true, "STOR": true, "APPE": true,
	"PASV": true, "EPSV": true, "PORT": true, "EPRT": true, "TYPE": true,
}

// busyCommands may be interleaved with a running transfer.
var busyCommands = map[string]bool{
	"ABOR": true, "STAT": true, "NOOP": true, "QUIT": true,
}

func generateSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%08x", b)
}

func newSession(server *Server, conn net.Conn) *session {
	remoteIP := peerIP(conn)
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(newTelnetReader(conn)),
		writer:       bufio.NewWriter(conn),
		sessionID:    generateSessionID(),
		remoteIP:     remoteIP,
		transferType: "I",
		prot:         "C",
		ctx:          ctx,
		cancelCtx:    cancel,
		cmdReqChan:   make(chan struct{}),
	}
	s.limiter = newBandwidthLimiter(server.bandwidthPerSession)
	return s
}

// transferLimiters returns the limiters that apply to this session's
// transfers: the per-session one and the server-wide one.
func (s *session) transferLimiters() []*rate.Limiter {
	return []*rate.Limiter{s.limiter, s.server.globalLimiter}
}

// serve runs the session until the control stream ends.
//
// Concurrency model:
//
//  1. A dedicated reader goroutine reads command lines and delivers them on
//     cmdChan. Between commands it waits for a signal on cmdReqChan, so a
//     handler that swaps the connection (AUTH TLS) never races a read.
//  2. This loop is the single point of control for session state. Data
//     commands hand the copy work to a transfer worker and return; while
//     the worker runs, the loop keeps serving the interleavable commands
//     (ABOR, STAT, NOOP, QUIT) and completes the transfer when the result
//     arrives on the worker's done channel.
//  3. Cancellation (ABOR, close, shutdown) sets the worker's flag and
//     closes its data socket; the worker unwinds within a bounded time and
//     still reports on done.
func (s *session) serve() {
	defer s.close()

	s.reply(220, s.server.welcomeMessage)

	s.server.logger.Info("session_started",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
	)

	done := make(chan struct{})
	defer close(done)

	cmdChan := s.startCommandReader(done)

	for {
		var cmd command
		var ok bool

		if w := s.currentWorker(); w != nil {
			select {
			case res := <-w.done:
				s.finishTransfer(res)
				continue
			case cmd, ok = <-cmdChan:
			}
		} else {
			cmd, ok = <-cmdChan
		}
		if !ok {
			return
		}

		if cmd.err != nil {
			switch {
			case errors.Is(cmd.err, errCommandTooLong):
				s.reply(500, "Command line too long.")
			case isTimeout(cmd.err):
				s.reply(421, "Idle timeout, closing control connection.")
			case cmd.err != io.EOF:
				s.server.logger.Warn("control read error",
					"session_id", s.sessionID,
					"remote_ip", s.remoteIP,
					"user", s.user,
					"error", cmd.err,
				)
			}
			return
		}

		s.handleCommand(cmd.line)
		if s.closing {
			return
		}

		select {
		case s.cmdReqChan <- struct{}{}:
		case <-time.After(1 * time.Second):
		}
	}
}

func (s *session) startCommandReader(done chan struct{}) chan command {
	cmdChan := make(chan command)
	go func() {
		defer close(cmdChan)
		for {
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()

			if s.server.maxIdleTime > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.server.maxIdleTime))
			}

			line, err := s.readCommand()
			if err != nil && isTimeout(err) && s.currentWorker() != nil {
				// A running transfer keeps the control channel alive.
				continue
			}

			select {
			case cmdChan <- command{line, err}:
			case <-done:
				return
			}

			if err != nil {
				return
			}

			select {
			case <-s.cmdReqChan:
			case <-done:
				return
			}
		}
	}()
	return cmdChan
}

// readCommand reads one line. A line whose wire length (CRLF included)
// exceeds maxCommandLength is an error.
func (s *session) readCommand() (string, error) {
	var line []byte
	for {
		// The reader may be swapped by AUTH TLS between commands.
		s.mu.Lock()
		r := s.reader
		s.mu.Unlock()

		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}
		if b == '\n' {
			return string(line), nil
		}
		if len(line) >= maxCommandLength-1 {
			return "", errCommandTooLong
		}
		line = append(line, b)
	}
}

// handleCommand parses and dispatches one command line.
func (s *session) handleCommand(line string) {
	start := time.Now()
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}

	parts := strings.SplitN(line, " ", 2)
	verb := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	logArg := arg
	if verb == "PASS" {
		logArg = "***"
	}
	s.server.logger.Debug("command received",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"cmd", verb,
		"arg", logArg,
	)

	// One-shot state: a pending rename survives only until the next
	// command unless that command is RNTO; a REST offset survives only
	// until the transfer that consumes it.
	if verb != "RNTO" {
		s.renameFrom = ""
	}
	if !restKeepCommands[verb] {
		s.restartOffset = 0
	}

	if s.currentWorker() != nil && !busyCommands[verb] {
		if dataCommands[verb] {
			s.reply(425, "A transfer is already in progress.")
		} else {
			s.reply(503, "Transfer in progress, ABOR or wait.")
		}
		return
	}

	if s.state != stateAuthenticated && !preAuthCommands[verb] {
		// RFC 4217 clients negotiate data protection right after the TLS
		// upgrade, before logging in.
		if !(s.controlTLS && (verb == "PBSZ" || verb == "PROT")) {
			s.reply(530, "Please login with USER and PASS.")
			return
		}
	}

	switch verb {
	case "USER":
		s.handleUSER(arg)
	case "PASS":
		s.handlePASS(arg)
	case "QUIT":
		s.reply(221, "Service closing control connection.")
		s.closing = true
	case "NOOP":
		s.reply(200, "OK.")
	default:
		if handler, ok := commandHandlers[verb]; ok {
			handler(s, arg)
		} else {
			s.reply(500, "Command not recognized.")
		}
	}

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordCommand(verb, true, time.Since(start))
	}
}

// currentWorker returns the in-flight transfer worker, if any.
func (s *session) currentWorker() *transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.worker
}

func (s *session) setWorker(t *transfer) {
	s.mu.Lock()
	s.worker = t
	s.mu.Unlock()
}

// shutdown is called by Server.Shutdown from outside the session goroutine.
// Closing the control connection and canceling the context unwind serve();
// close() then releases the rest.
func (s *session) shutdown() {
	s.cancelCtx()
	s.mu.Lock()
	conn := s.conn
	w := s.worker
	s.mu.Unlock()
	if w != nil {
		w.abort()
	}
	conn.Close()
}

// close releases everything the session owns: the worker, the data
// channel, the held passive port, the filesystem context and the control
// stream. It runs on every exit path.
func (s *session) close() {
	s.cancelCtx()

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		w.abort()
		// The worker delivers exactly one result; draining it here also
		// bounds close() by the worker's unwind time.
		res := <-w.done
		s.logTransferResult(res)
		s.setWorker(nil)
	}

	s.closeDataChannel()
	if s.fs != nil {
		s.fs.Close()
	}
	_ = s.writer.Flush()
	s.conn.Close()

	s.server.logger.Debug("session_closed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
}

// closeDataChannel discards the pending data-channel intent and returns the
// held passive port, if any.
func (s *session) closeDataChannel() {
	if s.pasvList != nil {
		s.pasvList.Close()
		s.pasvList = nil
	}
	if s.pasvPort != 0 {
		s.server.ports.Release(s.pasvPort)
		s.pasvPort = 0
	}
	s.activeHost = ""
	s.activePort = 0
}

// reply sends one response line.
func (s *session) reply(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	s.writer.Flush()
}

// replyLines sends a multi-line reply with xyz- / xyz framing.
func (s *session) replyLines(code int, first string, lines []string, last string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, first)
	for _, l := range lines {
		fmt.Fprintf(s.writer, " %s\r\n", l)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, last)
	s.writer.Flush()
}

// replyError translates a filesystem error into an FTP reply.
func (s *session) replyError(err error) {
	switch {
	case os.IsNotExist(err):
		s.reply(550, "No such file or directory.")
	case os.IsPermission(err):
		s.reply(550, "Permission denied.")
	case os.IsExist(err):
		s.reply(550, "Already exists.")
	case errors.Is(err, errNotADirectory):
		s.reply(550, "Not a directory.")
	case errors.Is(err, os.ErrInvalid):
		s.reply(550, "Invalid path.")
	default:
		s.reply(550, "Requested action not taken.")
	}
}

func peerIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
