package server

import "time"

// MetricsCollector is an optional interface for observing server activity.
// Implementations can forward to Prometheus, StatsD, or anything else.
//
// Methods are called inline from the serving path and must not block; slow
// sinks should dispatch asynchronously. The server checks for nil before
// calling, so implementations never see a nil receiver.
type MetricsCollector interface {
	// RecordCommand records one FTP command execution.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed (or failed) data transfer.
	// operation is the FTP verb (RETR, STOR, APPE, STOU, LIST, NLST, MLSD).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt and whether it was
	// accepted. reason is "accepted", "per_ip_limit_reached" or
	// "ip_blocked". The global cap delays accepts instead of rejecting, so
	// it produces no record of its own.
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records an authentication attempt.
	RecordAuthentication(success bool, user string)

	// SetActiveSessions reports the current session count after each
	// session start and end.
	SetActiveSessions(n int64)
}
