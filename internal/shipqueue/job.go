package shipqueue

import (
	"bufio"
	"net"
	"sync/atomic"

	"github.com/shipshore/proxy/internal/proxyhttp"
)

// Kind distinguishes plain HTTP jobs from CONNECT tunnel jobs.
type Kind int

const (
	KindHTTP Kind = iota
	KindConnect
)

// Status is a job's monotonic lifecycle state, per spec §3: QUEUED ->
// ACTIVE -> (DONE | FAILED). No backward transitions.
type Status int32

const (
	StatusQueued Status = iota
	StatusActive
	StatusDone
	StatusFailed
)

var nextJobID atomic.Uint64

// NextID returns a fresh, process-unique 64-bit job id.
func NextID() uint64 {
	return nextJobID.Add(1)
}

// Job is one client proxy request from acceptance through completion, per
// spec §3. It is created by the client listener, owned by the Queue until
// the worker dequeues it, and destroyed once the client listener has
// flushed the response.
type Job struct {
	ID     uint64
	Kind   Kind
	Method string

	// Target is the absolute-form URI for an HTTP job, or host:port for a
	// CONNECT job.
	Target string

	// Header preserves the ordered, duplicate-preserving header list of
	// the original client request.
	Header proxyhttp.List

	// Body streams the request body for an HTTP job; nil for CONNECT.
	Body RequestBody

	// ClientConn is the raw client socket, used directly by the tunnel
	// pump for CONNECT jobs and for writing streamed HTTP responses.
	ClientConn net.Conn

	// PeekReader is the buffered reader the listener used to parse the
	// request head, reused by the tunnel pump for CONNECT jobs so that
	// any bytes already buffered (or peeked by the QUEUED-disconnect
	// watcher) are not lost.
	PeekReader *bufio.Reader

	// WatcherStop, if set by the listener before enqueueing, is invoked by
	// MarkActive immediately after the claimed channel is closed. It lets
	// a QUEUED-disconnect watcher relinquish a shared buffered reader
	// (e.g. a Peek in flight) before the worker touches it.
	WatcherStop func()

	status  atomic.Int32
	done    chan struct{}
	claimed chan struct{}

	// Err carries the terminal error, if any, once Status is StatusFailed.
	Err error
}

// RequestBody is anything the worker can stream into an HTTP_REQ payload.
type RequestBody interface {
	Read(p []byte) (int, error)
}

// NewJob creates a QUEUED job with its completion channel ready.
func NewJob(kind Kind, method, target string, header proxyhttp.List, body RequestBody, clientConn net.Conn) *Job {
	j := &Job{
		ID:         NextID(),
		Kind:       kind,
		Method:     method,
		Target:     target,
		Header:     header,
		Body:       body,
		ClientConn: clientConn,
		done:       make(chan struct{}),
		claimed:    make(chan struct{}),
	}
	j.status.Store(int32(StatusQueued))
	return j
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	return Status(j.status.Load())
}

// MarkActive transitions QUEUED -> ACTIVE and closes the claimed channel,
// signalling any QUEUED-disconnect watcher to stop touching the job's
// client connection before the worker does.
func (j *Job) MarkActive() {
	j.status.Store(int32(StatusActive))
	close(j.claimed)
	if j.WatcherStop != nil {
		j.WatcherStop()
	}
}

// Claimed returns a channel closed the instant MarkActive is called.
func (j *Job) Claimed() <-chan struct{} {
	return j.claimed
}

// Complete transitions ACTIVE -> DONE (err == nil) or ACTIVE -> FAILED
// (err != nil), records err, and wakes the client listener blocked on
// Wait(). A QUEUED job removed from the queue after its client went away
// is completed the same way, going straight from QUEUED to FAILED.
func (j *Job) Complete(err error) {
	j.Err = err
	if err != nil {
		j.status.Store(int32(StatusFailed))
	} else {
		j.status.Store(int32(StatusDone))
	}
	close(j.done)
}

// Wait blocks until Complete has been called.
func (j *Job) Wait() {
	<-j.done
}

// Done returns a channel closed when the job completes, for use in select
// statements (e.g. racing against client disconnect detection).
func (j *Job) Done() <-chan struct{} {
	return j.done
}
