//go:build unix

// Package engine implements the per-worker non-blocking connection engine:
// a single-threaded, readiness-driven event loop multiplexing a fixed slab
// of keep-alive TCP connections against one target, for a fixed duration.
package engine

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ilya-4real/req-shooter/endpoint"
	"github.com/ilya-4real/req-shooter/stats"
)

const readBufferSize = 4096

// closedMask is the set of poll revents that mean a socket can no longer be
// used and its slot must be recycled.
const closedMask = unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// ProgressCounter receives one Incr(1) per completed response, live, while
// the engine is still running. *ratecounter.RateCounter satisfies this;
// the engine only depends on the method, not the pool's choice of library.
type ProgressCounter interface {
	Incr(int64)
}

// Run drives one worker's connection engine for job.DurationSeconds and
// returns the worker's statistics. A non-nil error means the worker could
// not even establish its initial slab of connections (DNS resolution or
// the initial connect) — a startup failure per spec section 7, which the
// pool treats as fatal and fails the whole run fast via ctx cancellation —
// or that the run was cut short: ctx was cancelled (ctx.Err() is returned)
// or poll(2) failed with an error other than EINTR.
//
// progress, if non-nil, is incremented once per completed response as it
// happens, so the pool can derive a live requests-per-second reading
// while the run is still in flight; it is never read by the engine.
func Run(ctx context.Context, job endpoint.Job, progress ProgressCounter) (stats.WorkerStats, error) {
	sockAddr, err := resolveSockaddr(job.Endpoint.Addr())
	if err != nil {
		return stats.WorkerStats{}, fmt.Errorf("resolve %s: %w", job.Endpoint.Addr(), err)
	}

	conns := make([]*connection, job.ConnsPerWorker)
	for i := range conns {
		c, err := dialConnection(sockAddr)
		if err != nil {
			for _, prev := range conns[:i] {
				if prev != nil {
					prev.close()
				}
			}
			return stats.WorkerStats{}, fmt.Errorf("initial connect slot %d: %w", i, err)
		}
		conns[i] = c
	}
	defer func() {
		for _, c := range conns {
			if c != nil {
				c.close()
			}
		}
	}()

	pollFds := make([]unix.PollFd, len(conns))
	for i := range pollFds {
		pollFds[i] = unix.PollFd{Fd: int32(conns[i].fd), Events: unix.POLLIN | unix.POLLOUT}
	}

	request := job.Endpoint.CompileRequest()
	deadline := time.Now().Add(time.Duration(job.DurationSeconds) * time.Second)

	var (
		requestCount  uint32
		errorCount    uint32
		badRequests   uint32
		bytesReceived uint64
		latencies     []float64
		readBuf       = make([]byte, readBufferSize)
	)

	for {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return stats.WorkerStats{}, ctx.Err()
		default:
		}

		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return stats.WorkerStats{}, fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for i := range pollFds {
			revents := pollFds[i].Revents
			if revents == 0 {
				continue
			}
			pollFds[i].Revents = 0

			conn := conns[i]
			closed := false

			if revents&unix.POLLIN != 0 {
				if conn.sentOnce {
					latencies = append(latencies, float64(time.Since(conn.requestSentAt).Microseconds()))
				}
				switch outcome := conn.readAvailable(readBuf); outcome.kind {
				case readComplete:
					bytesReceived += uint64(outcome.n)
					if progress != nil {
						progress.Incr(1)
					}
					if outcome.digit != '2' && outcome.digit != '3' {
						badRequests++
					}
					// The response is in: the slot may send its next
					// request.
					conn.awaitingResponse = false
					pollFds[i].Events |= unix.POLLOUT
				case readClosed:
					closed = true
				case readError:
					errorCount++
					closed = true
				case readBlocked, readPartial:
					// no accounting
				}
			}

			// A level-triggered poller reports POLLOUT on essentially
			// every iteration for an idle, writable socket; only act on
			// it while no response is outstanding, so each connection
			// keeps strictly one in-flight request (spec section 4.C).
			if revents&unix.POLLOUT != 0 && !conn.awaitingResponse {
				ok, fatal := conn.sendRequest(request)
				switch {
				case fatal:
					closed = true
				case ok:
					conn.awaitingResponse = true
					pollFds[i].Events &^= unix.POLLOUT
				}
			}

			if revents&closedMask != 0 {
				closed = true
			}

			if closed {
				requestCount += uint32(conn.parser.ResponsesParsed)
				conn.close()
				fresh, dialErr := dialConnection(sockAddr)
				if dialErr != nil {
					// The peer is gone entirely. Count it as a steady
					// state error and park the slot (negative fd, ignored
					// by poll) rather than spinning a reconnect loop for
					// the rest of the run. conns[i] is cleared so the
					// final drain below doesn't re-count a closed parser.
					errorCount++
					conns[i] = nil
					pollFds[i].Fd = -1
					continue
				}
				conns[i] = fresh
				pollFds[i].Fd = int32(fresh.fd)
				pollFds[i].Events = unix.POLLIN | unix.POLLOUT
			}
		}
	}

	for _, c := range conns {
		if c != nil {
			requestCount += uint32(c.parser.ResponsesParsed)
		}
	}

	ws := stats.NewWorkerStats(job.DurationSeconds, requestCount, errorCount, badRequests, bytesReceived)
	ws.CalculateLatencies(latencies)
	return ws, nil
}

// resolveSockaddr resolves addr ("host:port") once, taking the first
// returned address, per spec section 9 ("DNS is resolved once at start
// with no refresh for the duration of the run").
func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}
	ip4 := tcpAddr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("address %s did not resolve to an IPv4 address", addr)
	}
	if tcpAddr.Port <= 0 || tcpAddr.Port > math.MaxUint16 {
		return nil, fmt.Errorf("invalid port in %s", addr)
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}
