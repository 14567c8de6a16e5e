package shipproxy

import (
	"bufio"
	"net"
	"time"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/shipqueue"
)

// watchQueuedDisconnect detects a client closing the connection while job
// is still QUEUED, per spec §5's cancellation rule. For HTTP jobs the
// request body has already been fully buffered by readBody, so nothing
// else will read from conn until the worker writes the response; the
// watcher is free to block on a raw Read.
func watchQueuedDisconnect(conn net.Conn, br *bufio.Reader, q *shipqueue.Queue, job *shipqueue.Job) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1)
		_, err := br.Read(buf)
		select {
		case <-job.Claimed():
			return
		default:
		}
		if err != nil {
			if q.Remove(job) {
				job.Complete(ferr.ClientGone)
			}
		}
	}()
	return func() {
		conn.SetReadDeadline(time.Now())
		<-done
		conn.SetReadDeadline(time.Time{})
	}
}

// watchQueuedDisconnectPeek is the CONNECT-job analogue. A conforming
// CONNECT client sends nothing until it receives the 200 response, so a
// blocking Peek(1) is a safe proxy for "client is still there". It wires
// job.WatcherStop so that MarkActive forces the in-flight Peek to return
// (via a deadline in the past) and blocks until the watcher goroutine has
// fully exited before the worker touches br itself — there is never
// concurrent access to br's internal buffer.
func watchQueuedDisconnectPeek(br *bufio.Reader, q *shipqueue.Queue, job *shipqueue.Job) {
	conn := job.ClientConn
	done := make(chan struct{})
	job.WatcherStop = func() {
		conn.SetReadDeadline(time.Now())
		<-done
		conn.SetReadDeadline(time.Time{})
	}

	go func() {
		defer close(done)
		_, err := br.Peek(1)
		select {
		case <-job.Claimed():
			return
		default:
		}
		if err != nil {
			if q.Remove(job) {
				job.Complete(ferr.ClientGone)
			}
		}
	}()
}
