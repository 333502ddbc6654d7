package server

import "fmt"

func (s *session) handlePWD(_ string) {
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.fs.GetWd()))
}

func (s *session) handleCWD(path string) {
	if path == "" {
		s.reply(501, "CWD requires a path.")
		return
	}
	if err := s.fs.ChangeDir(path); err != nil {
		s.replyError(err)
		return
	}
	s.reply(250, "Directory successfully changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(path string) {
	if path == "" {
		s.reply(501, "MKD requires a path.")
		return
	}
	if err := s.fs.MakeDir(path); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("directory_created",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"path", path,
	)
	s.reply(257, fmt.Sprintf("%q created.", path))
}

func (s *session) handleRMD(path string) {
	if path == "" {
		s.reply(501, "RMD requires a path.")
		return
	}
	if err := s.fs.RemoveDir(path); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("directory_removed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"path", path,
	)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(path string) {
	if path == "" {
		s.reply(501, "DELE requires a path.")
		return
	}
	if err := s.fs.DeleteFile(path); err != nil {
		s.replyError(err)
		return
	}
	s.server.logger.Info("file_deleted",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"path", path,
	)
	s.reply(250, "File deleted.")
}

// handleRNFR records the rename source. The pending source survives exactly
// one command: anything but RNTO clears it (see handleCommand).
func (s *session) handleRNFR(path string) {
	if path == "" {
		s.reply(501, "RNFR requires a path.")
		return
	}
	if s.fs.ReadOnly() {
		s.reply(550, "Permission denied.")
		return
	}
	if _, err := s.fs.GetFileInfo(path); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = path
	s.reply(350, "Requested file action pending further information.")
}

func (s *session) handleRNTO(path string) {
	if path == "" {
		s.reply(501, "RNTO requires a path.")
		return
	}
	if s.renameFrom == "" {
		s.reply(503, "Bad sequence of commands. Send RNFR first.")
		return
	}

	from := s.renameFrom
	s.renameFrom = ""
	if err := s.fs.Rename(from, path); err != nil {
		s.replyError(err)
		return
	}

	s.server.logger.Info("file_renamed",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
		"from", from,
		"to", path,
	)
	s.reply(250, "Requested file action successful, file renamed.")
}
