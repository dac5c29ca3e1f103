//go:build unix

package engine

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/ilya-4real/req-shooter/httpparser"
)

// readOutcomeKind classifies the result of one non-blocking read attempt.
type readOutcomeKind int

const (
	readBlocked readOutcomeKind = iota
	readPartial
	readComplete
	readClosed
	readError
)

type readOutcome struct {
	kind  readOutcomeKind
	n     int
	digit byte
}

// connection is one keep-alive TCP socket owned by exactly one worker, at a
// fixed slot in that worker's slab.
type connection struct {
	fd            int
	parser        *httpparser.Parser
	requestSentAt time.Time
	sentOnce      bool

	// awaitingResponse is true from a successful sendRequest until the
	// matching response completes. It enforces spec section 4.C's "one
	// in-flight request per connection" invariant against a level-
	// triggered poller, which otherwise reports a socket POLLOUT-ready on
	// essentially every iteration regardless of whether a response is
	// still outstanding.
	awaitingResponse bool
}

// dialConnection opens a single non-blocking TCP socket toward addr and
// kicks off an asynchronous connect. The connect need not have completed
// when this returns — the poller will report the socket writable once it
// has (or readable+error if it failed).
func dialConnection(addr unix.Sockaddr) (*connection, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, addr); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}
	return &connection{
		fd:     fd,
		parser: httpparser.New(),
	}, nil
}

// readAvailable performs a single non-blocking read into a fixed 4KiB
// buffer and classifies the outcome.
func (c *connection) readAvailable(buf []byte) readOutcome {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return readOutcome{kind: readBlocked}
		}
		return readOutcome{kind: readError}
	}
	if n == 0 {
		// Peer closed the connection gracefully. Spec section 7 classes
		// this with BrokenPipe/read_closed/write_closed: the slot is
		// recycled but this is not a steady-state error.
		return readOutcome{kind: readClosed}
	}

	c.parser.Parse(buf[:n])
	switch c.parser.State {
	case httpparser.Body:
		return readOutcome{kind: readPartial}
	case httpparser.Started:
		return readOutcome{kind: readComplete, n: n, digit: c.parser.StatusFirstDigit}
	default:
		// Protocol desync: the parser didn't reach a valid mid-stream or
		// completed state. The engine counts an error and recycles the slot.
		return readOutcome{kind: readError}
	}
}

// sendRequest performs a single non-blocking write of the precompiled
// request. On success it timestamps the send; WouldBlock is silently
// ignored (the socket will be re-offered as writable later); any other
// error (including a broken pipe) is reported to the caller so the slot
// can be recycled.
func (c *connection) sendRequest(request []byte) (ok bool, fatal bool) {
	n, err := unix.Write(c.fd, request)
	if err != nil {
		if err == unix.EAGAIN {
			return false, false
		}
		return false, true
	}
	if n > 0 {
		c.requestSentAt = time.Now()
		c.sentOnce = true
	}
	return true, false
}

func (c *connection) close() {
	unix.Close(c.fd)
}
