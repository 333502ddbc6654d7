package server

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

func (s *session) handleSIZE(path string) {
	if path == "" {
		s.reply(501, "SIZE requires a path.")
		return
	}
	info, err := s.fs.GetFileInfo(path)
	if err != nil || info.IsDir() {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, strconv.FormatInt(info.Size(), 10))
}

func (s *session) handleMDTM(path string) {
	if path == "" {
		s.reply(501, "MDTM requires a path.")
		return
	}
	info, err := s.fs.GetFileInfo(path)
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	// RFC 3659: time values are always UTC.
	s.reply(213, info.ModTime().UTC().Format("20060102150405"))
}

func (s *session) handleFEAT(_ string) {
	features := []string{
		"EPSV",
		"EPRT",
		"MLSD",
		"MLST type*;size*;modify*;perm*;",
		"SIZE",
		"MDTM",
		"REST STREAM",
		"UTF8",
	}
	if s.server.tlsConfig != nil {
		features = append(features, "AUTH TLS", "PBSZ", "PROT")
	}
	s.replyLines(211, "Features:", features, "End")
}

func (s *session) handleOPTS(arg string) {
	if strings.HasPrefix(strings.ToUpper(arg), "UTF8") {
		s.reply(200, "Always in UTF8 mode.")
		return
	}
	s.reply(501, "Option not understood.")
}

func (s *session) handleMLST(arg string) {
	path := arg
	if path == "" {
		path = "."
	}
	info, err := s.fs.GetFileInfo(path)
	if err != nil {
		s.replyError(err)
		return
	}

	t := "file"
	if info.IsDir() {
		t = "dir"
	}
	var line strings.Builder
	if err := writeFactLine(&line, info, t, path); err != nil {
		s.reply(451, "Local error.")
		return
	}
	s.replyLines(250, "Listing follows", []string{strings.TrimRight(line.String(), "\r\n")}, "End")
}

// handleSYST reports the system type by GOOS.
func (s *session) handleSYST(_ string) {
	switch runtime.GOOS {
	case "windows":
		s.reply(215, "Windows_NT")
	default:
		s.reply(215, "UNIX Type: L8")
	}
}

// handleSTAT without a path reports session status. It is one of the
// commands served while a transfer is running.
func (s *session) handleSTAT(arg string) {
	if arg != "" {
		s.reply(504, "STAT with a path is not implemented. Use LIST.")
		return
	}

	var lines []string
	if s.state == stateAuthenticated {
		lines = append(lines, fmt.Sprintf("Logged in as %s", s.user))
	} else {
		lines = append(lines, "Not logged in")
	}
	lines = append(lines, fmt.Sprintf("TYPE: %s; STRUcture: File; MODE: Stream", s.transferType))
	if w := s.currentWorker(); w != nil {
		lines = append(lines, fmt.Sprintf("Transfer in progress (%s %s)", w.op, w.path))
	}
	if s.pasvList != nil {
		lines = append(lines, "Passive data connection pending")
	} else if s.activeHost != "" {
		lines = append(lines, fmt.Sprintf("Active mode: %s:%d", s.activeHost, s.activePort))
	}

	s.replyLines(211, "Status:", lines, "End of status")
}

func (s *session) handleHELP(arg string) {
	if arg != "" {
		s.reply(214, fmt.Sprintf("No help available for %s.", arg))
		return
	}
	s.replyLines(214, "The following commands are supported:", []string{
		"USER PASS QUIT NOOP SYST FEAT HELP OPTS",
		"PWD CWD CDUP MKD RMD DELE RNFR RNTO SITE",
		"TYPE MODE STRU REST PORT PASV EPSV EPRT",
		"RETR STOR APPE STOU LIST NLST MLSD MLST",
		"SIZE MDTM STAT ABOR AUTH PBSZ PROT",
	}, "End of help")
}

func (s *session) handleSITE(arg string) {
	if arg == "" {
		s.reply(501, "SITE command requires parameters.")
		return
	}

	parts := strings.Fields(arg)
	switch strings.ToUpper(parts[0]) {
	case "HELP":
		s.reply(214, "Available SITE commands: HELP, CHMOD")
	case "CHMOD":
		if len(parts) < 3 {
			s.reply(501, "Syntax: SITE CHMOD <mode> <file>.")
			return
		}
		mode, err := strconv.ParseUint(parts[1], 8, 32)
		if err != nil || mode > 0777 {
			s.reply(501, "Invalid mode.")
			return
		}
		path := strings.Join(parts[2:], " ")
		if err := s.fs.Chmod(path, os.FileMode(mode)); err != nil {
			s.replyError(err)
			return
		}
		s.reply(200, "SITE CHMOD command successful.")
	default:
		s.reply(502, "SITE command not implemented.")
	}
}

// RFC 1123 compliance: ACCT is superfluous, only stream mode and file
// structure are supported.

func (s *session) handleACCT(_ string) {
	s.reply(202, "Command not implemented, superfluous at this site.")
}

func (s *session) handleMODE(arg string) {
	if strings.ToUpper(strings.TrimSpace(arg)) == "S" {
		s.reply(200, "Mode set to Stream.")
		return
	}
	s.reply(504, "Only Stream mode is supported.")
}

func (s *session) handleSTRU(arg string) {
	if strings.ToUpper(strings.TrimSpace(arg)) == "F" {
		s.reply(200, "Structure set to File.")
		return
	}
	s.reply(504, "Only File structure is supported.")
}
