package server

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.transferType = "A"
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.transferType = "I"
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handleREST(arg string) {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		s.reply(501, "Invalid restart offset.")
		return
	}
	s.restartOffset = offset
	s.reply(350, fmt.Sprintf("Restarting at %d. Send RETR or STOR to initiate transfer.", offset))
}

// validateActivePeer requires the active-mode target to match the control
// connection's peer. This blocks FTP bounce attacks.
func (s *session) validateActivePeer(ip net.IP) bool {
	remote := net.ParseIP(s.remoteIP)
	return remote != nil && ip.Equal(remote)
}

func (s *session) handlePORT(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(501, "Invalid port number.")
		return
	}
	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		s.reply(501, "Invalid IP address.")
		return
	}
	if !s.validateActivePeer(ip) {
		s.reply(500, "Illegal PORT command.")
		return
	}

	s.closeDataChannel()
	s.activeHost = ip.String()
	s.activePort = p1*256 + p2
	s.reply(200, "PORT command successful.")
}

func (s *session) handleEPRT(arg string) {
	if len(arg) < 4 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}
	delim := string(arg[0])
	parts := strings.Split(arg, delim)
	// <d><proto><d><ip><d><port><d> splits into ["", proto, ip, port, ""].
	if len(parts) != 5 {
		s.reply(501, "Syntax error in parameters or arguments.")
		return
	}

	proto, ipStr, portStr := parts[1], parts[2], parts[3]
	if proto != "1" && proto != "2" {
		s.reply(522, "Network protocol not supported, use (1,2).")
		return
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || (proto == "1" && ip.To4() == nil) {
		s.reply(501, "Invalid network address.")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		s.reply(501, "Invalid port number.")
		return
	}
	if !s.validateActivePeer(ip) {
		s.reply(500, "Illegal EPRT command.")
		return
	}

	s.closeDataChannel()
	s.activeHost = ip.String()
	s.activePort = port
	s.reply(200, "EPRT command successful.")
}

// passiveIPv4 returns the address advertised in the 227 reply: the
// configured NAT IP when set, otherwise the control connection's local
// IPv4 address.
func (s *session) passiveIPv4() net.IP {
	if s.server.natIP != "" {
		if ip := net.ParseIP(s.server.natIP); ip != nil {
			return ip.To4()
		}
		return nil
	}
	host, _, err := net.SplitHostPort(s.conn.LocalAddr().String())
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return ip.To4()
}

func (s *session) openPassiveListener() bool {
	// A new passive request discards the previous data-channel intent.
	s.closeDataChannel()

	ln, port, err := s.server.ports.Acquire("")
	if err != nil {
		s.server.logger.Warn("passive_port_exhausted",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
		)
		s.reply(425, "Can't open passive connection.")
		return false
	}
	s.pasvList = ln
	s.pasvPort = port
	return true
}

func (s *session) handlePASV(_ string) {
	ip := s.passiveIPv4()
	if ip == nil {
		s.reply(425, "Can't open passive connection here, use EPSV.")
		return
	}
	if !s.openPassiveListener() {
		return
	}

	p1 := s.pasvPort / 256
	p2 := s.pasvPort % 256
	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip[0], ip[1], ip[2], ip[3], p1, p2))
}

func (s *session) handleEPSV(arg string) {
	if strings.EqualFold(arg, "ALL") {
		// We only ever hand out passive endpoints after EPSV ALL.
		s.closeDataChannel()
		s.reply(200, "EPSV ALL accepted.")
		return
	}
	if !s.openPassiveListener() {
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", s.pasvPort))
}

// openDataConn turns the pending data-channel intent into a connected
// socket: accept on the passive listener (bounded by the accept timeout) or
// dial the stored active-mode peer. PROT P wraps the result in TLS.
func (s *session) openDataConn() (net.Conn, error) {
	var conn net.Conn
	var err error

	switch {
	case s.pasvList != nil:
		if tcpLn, ok := s.pasvList.(*net.TCPListener); ok {
			_ = tcpLn.SetDeadline(time.Now().Add(s.server.pasvAcceptTimeout))
		}
		conn, err = s.pasvList.Accept()
		// The listener's job is done either way; the port itself stays
		// held until the data channel completes.
		s.pasvList.Close()
		s.pasvList = nil
	case s.activeHost != "":
		addr := net.JoinHostPort(s.activeHost, strconv.Itoa(s.activePort))
		conn, err = net.DialTimeout("tcp", addr, 10*time.Second)
		s.activeHost = ""
		s.activePort = 0
	default:
		return nil, fmt.Errorf("no data connection setup")
	}
	if err != nil {
		return nil, err
	}

	if s.prot == "P" {
		if s.server.tlsConfig == nil {
			conn.Close()
			return nil, fmt.Errorf("TLS configuration missing")
		}
		tlsConn := tls.Server(conn, s.server.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return conn, nil
}

// seekTo positions a just-opened file at the REST offset.
func seekTo(file io.ReadWriteCloser, offset int64) error {
	seeker, ok := file.(io.Seeker)
	if !ok {
		return fmt.Errorf("restart not supported")
	}
	_, err := seeker.Seek(offset, io.SeekStart)
	return err
}

// startWorker opens the data connection, replies 150 and hands the copy to
// a transfer worker. The session keeps serving ABOR, STAT, NOOP and QUIT
// until the worker's result arrives.
func (s *session) startWorker(op, path string, file io.ReadWriteCloser, upload bool, finalize func() error) {
	conn, err := s.openDataConn()
	if err != nil {
		file.Close()
		s.closeDataChannel()
		s.reply(425, "Can't open data connection.")
		return
	}

	s.reply(150, fmt.Sprintf("Opening data connection for %s.", op))

	ascii := s.transferType == "A" && op != "LIST" && op != "NLST" && op != "MLSD"
	t := newTransfer(op, path, conn, file, upload, ascii, s.transferLimiters())
	t.finalize = finalize
	s.setWorker(t)
	go t.run()
}

// finishTransfer runs on the session loop when the worker's result arrives.
func (s *session) finishTransfer(res transferResult) {
	s.setWorker(nil)
	s.closeDataChannel()

	switch res.status {
	case transferComplete:
		s.reply(226, "Transfer complete.")
	case transferAborted:
		s.reply(426, "Connection closed; transfer aborted.")
	case transferFileErr:
		s.reply(550, "File unavailable.")
	case transferLocalErr:
		s.reply(451, "Local error in processing.")
	}

	if s.abortPending {
		s.abortPending = false
		s.reply(226, "ABOR command successful.")
	}

	s.logTransferResult(res)
}

func (s *session) logTransferResult(res transferResult) {
	attrs := []any{
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"operation", res.op,
		"path", res.path,
		"bytes", res.bytes,
		"duration_ms", res.duration.Milliseconds(),
		"status", int(res.status),
	}
	if res.err != nil {
		s.server.logger.Warn("transfer_failed", append(attrs, "error", res.err)...)
	} else {
		s.server.logger.Info("transfer_complete", attrs...)
	}

	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordTransfer(res.op, res.bytes, res.duration)
	}
	s.logXfer(res)
}

// logXfer appends one xferlog-format line for file transfers.
// Fields: time, seconds, host, bytes, path, type, action, direction,
// access-mode, user, service, auth-method, auth-user, status.
func (s *session) logXfer(res transferResult) {
	if s.server.transferLog == nil {
		return
	}
	switch res.op {
	case "RETR", "STOR", "APPE", "STOU":
	default:
		return
	}

	secs := int64(res.duration.Seconds())
	if secs == 0 {
		secs = 1
	}
	tType := "b"
	if s.transferType == "A" {
		tType = "a"
	}
	direction := "o"
	if res.op != "RETR" {
		direction = "i"
	}
	status := "c"
	if res.status != transferComplete {
		status = "i"
	}

	line := fmt.Sprintf("%s %d %s %d %s %s _ %s r %s ftp 0 * %s\n",
		time.Now().Format("Mon Jan 02 15:04:05 2006"),
		secs, s.remoteIP, res.bytes, res.path, tType, direction, s.user, status)
	_, _ = s.server.transferLog.Write([]byte(line))
}

func (s *session) handleABOR(_ string) {
	w := s.currentWorker()
	if w == nil {
		s.reply(226, "ABOR command successful; no transfer in progress.")
		return
	}

	s.server.logger.Info("transfer_abort_requested",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
	s.abortPending = true
	w.abort()
	// The 426 for the data command and the 226 for ABOR are emitted when
	// the worker's result arrives, preserving reply order.
}

func (s *session) handleRETR(path string) {
	if path == "" {
		s.reply(501, "RETR requires a path.")
		return
	}

	file, err := s.fs.OpenFile(path, os.O_RDONLY)
	if err != nil {
		s.replyError(err)
		return
	}

	if s.restartOffset > 0 {
		if err := seekTo(file, s.restartOffset); err != nil {
			file.Close()
			s.restartOffset = 0
			s.reply(550, "Restart not supported for this file.")
			return
		}
		s.restartOffset = 0
	}

	s.startWorker("RETR", path, file, false, nil)
}

func (s *session) handleSTOR(path string) {
	if path == "" {
		s.reply(501, "STOR requires a path.")
		return
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if s.restartOffset > 0 {
		flags = os.O_WRONLY | os.O_CREATE
	}
	file, err := s.fs.OpenFile(path, flags)
	if err != nil {
		s.replyError(err)
		return
	}

	if s.restartOffset > 0 {
		if err := seekTo(file, s.restartOffset); err != nil {
			file.Close()
			s.restartOffset = 0
			s.reply(550, "Restart not supported for this file.")
			return
		}
		s.restartOffset = 0
	}

	s.startWorker("STOR", path, file, true, func() error { return s.fs.FinalizeUpload(path) })
}

func (s *session) handleAPPE(path string) {
	if path == "" {
		s.reply(501, "APPE requires a path.")
		return
	}

	// APPE always writes at the end of the file: a pending REST offset is
	// consumed here and has no effect on where the data lands.
	s.restartOffset = 0

	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	if err != nil {
		s.replyError(err)
		return
	}
	s.startWorker("APPE", path, file, true, func() error { return s.fs.FinalizeUpload(path) })
}

// handleSTOU stores under a synthesized name that does not collide with an
// existing file. After 100 failed attempts the action is rejected.
func (s *session) handleSTOU(_ string) {
	var file io.ReadWriteCloser
	var name string
	base := time.Now().UnixNano()
	for i := 0; i < 100; i++ {
		name = fmt.Sprintf("ftpd.%x.%d", base, i)
		f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err == nil {
			file = f
			break
		}
		if !os.IsExist(err) {
			s.replyError(err)
			return
		}
	}
	if file == nil {
		s.reply(450, "Could not create a unique file name.")
		return
	}

	// The 150 reply carries the synthesized name so the client can find
	// its upload.
	conn, err := s.openDataConn()
	if err != nil {
		file.Close()
		s.closeDataChannel()
		s.reply(425, "Can't open data connection.")
		return
	}
	s.reply(150, fmt.Sprintf("FILE: %s", name))

	t := newTransfer("STOU", name, conn, file, true, s.transferType == "A", s.transferLimiters())
	t.finalize = func() error { return s.fs.FinalizeUpload(name) }
	s.setWorker(t)
	go t.run()
}

// stripListFlags drops ls-style option tokens some clients prepend to the
// LIST/NLST path argument.
func stripListFlags(arg string) string {
	fields := strings.Fields(arg)
	var kept []string
	for _, f := range fields {
		if strings.HasPrefix(f, "-") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

// listingBody renders a listing snapshot. Listings stream through the same
// worker path as file transfers, reading from the rendered buffer.
func (s *session) listingBody(op, path string) (*bytes.Buffer, error) {
	entries, err := s.fs.ListDir(path)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	switch op {
	case "LIST":
		err = writeUnixListing(buf, entries, time.Now())
	case "NLST":
		err = writeNameListing(buf, entries)
	case "MLSD":
		statPath := path
		if statPath == "" {
			statPath = "."
		}
		dirInfo, statErr := s.fs.GetFileInfo(statPath)
		if statErr != nil {
			return nil, statErr
		}
		if !dirInfo.IsDir() {
			return nil, errNotADirectory
		}
		err = writeMLSDListing(buf, dirInfo, entries)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *session) handleListing(op, arg string) {
	path := stripListFlags(arg)
	buf, err := s.listingBody(op, path)
	if err != nil {
		s.replyError(err)
		return
	}
	s.startWorker(op, path, newBufferCloser(buf), false, nil)
}

func (s *session) handleLIST(arg string) { s.handleListing("LIST", arg) }
func (s *session) handleNLST(arg string) { s.handleListing("NLST", arg) }
func (s *session) handleMLSD(arg string) { s.handleListing("MLSD", arg) }

// bufferCloser adapts a rendered listing to the worker's file interface.
type bufferCloser struct {
	*bytes.Buffer
}

func newBufferCloser(b *bytes.Buffer) *bufferCloser {
	return &bufferCloser{Buffer: b}
}

func (b *bufferCloser) Close() error { return nil }
