package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// transferChunkSize is the unit of the copy loop. Cancellation is checked
// between chunks, which bounds abort latency by one chunk's worth of IO.
const transferChunkSize = 64 * 1024

// transferStatus classifies how a transfer ended, which decides the reply
// code on the control channel.
type transferStatus int

const (
	transferComplete transferStatus = iota // 226
	transferAborted                        // 426
	transferFileErr                        // 550
	transferLocalErr                       // 451
)

// transferResult travels from the worker back to the session over the
// completion channel. The worker never touches the control stream.
type transferResult struct {
	op       string
	path     string
	status   transferStatus
	bytes    int64
	duration time.Duration
	err      error
}

// transfer is one data-transfer worker. The session hands it a borrowed
// view of the data socket and the opened file; the worker owns nothing but
// its cancel flag and reports back over done.
type transfer struct {
	op     string
	path   string
	conn   net.Conn
	file   io.ReadWriteCloser
	upload bool
	ascii  bool

	// finalize runs after a successful upload copy, with the file closed
	// (ownership override).
	finalize func() error

	cancelled atomic.Bool
	ctx       context.Context
	stop      context.CancelFunc

	limiters []*rate.Limiter
	done     chan transferResult
}

func newTransfer(op, path string, conn net.Conn, file io.ReadWriteCloser, upload, ascii bool, limiters []*rate.Limiter) *transfer {
	ctx, stop := context.WithCancel(context.Background())
	return &transfer{
		op:       op,
		path:     path,
		conn:     conn,
		file:     file,
		upload:   upload,
		ascii:    ascii,
		ctx:      ctx,
		stop:     stop,
		limiters: limiters,
		done:     make(chan transferResult, 1),
	}
}

// abort requests cancellation: the flag stops the copy loop after the
// current chunk and closing the data socket unblocks a worker parked in a
// read or write. Unwind is bounded well under the one-second target.
func (t *transfer) abort() {
	t.cancelled.Store(true)
	t.stop()
	t.conn.Close()
}

// run executes the copy and delivers exactly one result on done. A panic in
// the copy path is converted to a local-error result so the session always
// hears back.
func (t *transfer) run() {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			t.conn.Close()
			t.file.Close()
			t.done <- transferResult{
				op:       t.op,
				path:     t.path,
				status:   transferLocalErr,
				duration: time.Since(start),
				err:      fmt.Errorf("transfer panic: %v", r),
			}
		}
	}()

	n, status, err := t.copy()

	t.conn.Close()
	closeErr := t.file.Close()

	if status == transferComplete && t.upload {
		if closeErr != nil {
			status, err = transferFileErr, closeErr
		} else if t.finalize != nil {
			if ferr := t.finalize(); ferr != nil {
				status, err = transferLocalErr, ferr
			}
		}
	}

	t.done <- transferResult{
		op:       t.op,
		path:     t.path,
		status:   status,
		bytes:    n,
		duration: time.Since(start),
		err:      err,
	}
}

func (t *transfer) copy() (int64, transferStatus, error) {
	var src io.Reader
	var dst io.Writer
	if t.upload {
		src, dst = io.Reader(t.conn), io.Writer(t.file)
		if t.ascii {
			src = newASCIIFromWire(src)
		}
	} else {
		src, dst = io.Reader(t.file), io.Writer(t.conn)
		if t.ascii {
			src = newASCIIToWire(src)
		}
	}

	buf := make([]byte, transferChunkSize)
	var total int64
	for {
		if t.cancelled.Load() {
			return total, transferAborted, nil
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			if err := t.throttle(nr); err != nil {
				return total, transferAborted, nil
			}
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, t.classify(werr, false), werr
			}
			if nw < nr {
				werr = io.ErrShortWrite
				return total, transferLocalErr, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, transferComplete, nil
			}
			return total, t.classify(rerr, true), rerr
		}
	}
}

// classify maps an IO error to a status: errors on the data socket count as
// an aborted transfer (the peer went away), errors on the file as a file
// error. readSide tells which end of the copy failed.
func (t *transfer) classify(err error, readSide bool) transferStatus {
	if t.cancelled.Load() {
		return transferAborted
	}

	socketSide := readSide == t.upload // upload reads the socket, download writes it
	if socketSide {
		return transferAborted
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return transferAborted
	}
	return transferFileErr
}

// throttle blocks until every configured limiter admits n bytes.
func (t *transfer) throttle(n int) error {
	for _, l := range t.limiters {
		if l == nil {
			continue
		}
		if err := l.WaitN(t.ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// newBandwidthLimiter builds a token bucket for the given rate. The burst is
// at least one chunk so the copy loop's WaitN calls can always succeed.
func newBandwidthLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst < transferChunkSize {
		burst = transferChunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
