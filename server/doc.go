// Package server implements a lightweight FTP server engine: RFC 959 plus
// the commonly deployed extensions (EPSV/EPRT, MLSD/MLST, SIZE, MDTM,
// REST STREAM) and explicit TLS per RFC 4217 (AUTH TLS, PBSZ, PROT).
//
// # Architecture
//
// The Server accepts control connections and runs one session goroutine per
// client. A session owns its control stream, its pending data-channel
// intent (a passive listener holding a port from the configured range, or a
// stored active-mode peer), and at most one transfer worker. Everything a
// session owns is released when it ends, on every exit path.
//
// Data transfers run on a worker goroutine with a cancellation flag and a
// completion channel, so the session keeps answering ABOR, STAT, NOOP and
// QUIT while bytes move. ABOR closes the worker's data socket and sets the
// flag; the worker unwinds within a bounded time.
//
// Authentication is delegated to an auth.Gate, which combines a credential
// backend (local table or PAM) with a per-IP failure counter. Peers over
// the failure threshold are dropped at accept time, before the banner.
//
// Filesystem access goes through the Driver interface. The included
// FSDriver jails every operation inside the account's home directory via
// os.Root: symlinks are followed, but a resolved target outside the root
// fails as if the file did not exist.
//
// # Usage
//
//	backend, _ := auth.NewLocalBackend(users)
//	gate := auth.NewGate(backend, 3, 5*time.Minute)
//	srv, err := server.NewServer(":21",
//	    server.WithDriver(server.NewFSDriver()),
//	    server.WithAuthGate(gate),
//	    server.WithPassivePortRange(50000, 50099),
//	    server.WithMaxConnections(64, 6),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(srv.ListenAndServe())
package server
