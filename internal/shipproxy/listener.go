// Package shipproxy implements the ship-side client listener and proxy
// request parser, per spec §4.6: accept a local client connection, parse
// one absolute-form or CONNECT request, enqueue a job, and block until the
// worker has finished it.
package shipproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/logx"
	"github.com/shipshore/proxy/internal/proxyhttp"
	"github.com/shipshore/proxy/internal/shipqueue"
)

// MaxBufferedBody bounds how much of a request body the listener will
// buffer in memory before enqueueing the job. Not specified by the
// protocol; a safety valve against unbounded memory use for huge POST
// bodies.
const MaxBufferedBody = 64 << 20 // 64 MiB

// Listener accepts local proxy clients and feeds jobs into queue.
type Listener struct {
	Addr   string
	Queue  *shipqueue.Queue
	Logger *logx.Logger
}

// ListenAndServe accepts connections until ctx is done.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.Logger.Info("ship proxy listening", "addr", l.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	head, err := proxyhttp.ReadRequestHead(br)
	if err != nil {
		l.Logger.Warn("malformed proxy request", "error", err, "remote", conn.RemoteAddr())
		writeSimpleResponse(conn, 400, "Bad Request")
		return
	}

	if head.Method == "CONNECT" {
		l.handleConnect(conn, br, head)
		return
	}
	l.handleHTTP(conn, br, head)
}

func (l *Listener) handleHTTP(conn net.Conn, br *bufio.Reader, head proxyhttp.RequestHead) {
	body, err := readBody(br, head.Header)
	if err != nil {
		l.Logger.Warn("failed reading request body", "error", err)
		writeSimpleResponse(conn, 400, "Bad Request")
		return
	}

	job := shipqueue.NewJob(shipqueue.KindHTTP, head.Method, head.Target, head.Header, body, conn)
	l.Queue.Enqueue(job)

	stopWatch := watchQueuedDisconnect(conn, br, l.Queue, job)
	job.Wait()
	stopWatch()

	if job.Status() == shipqueue.StatusFailed && errors.Is(job.Err, ferr.LinkLost) {
		writeSimpleResponse(conn, 502, "Bad Gateway")
	}
}

func (l *Listener) handleConnect(conn net.Conn, br *bufio.Reader, head proxyhttp.RequestHead) {
	job := shipqueue.NewJob(shipqueue.KindConnect, head.Method, head.Target, head.Header, nil, conn)
	job.PeekReader = br
	watchQueuedDisconnectPeek(br, l.Queue, job)
	l.Queue.Enqueue(job)

	job.Wait()
}

// readBody fully buffers the request body per Content-Length or chunked
// Transfer-Encoding, so the worker reads the body from a plain byte slice
// and the QUEUED-disconnect watcher (watcher.go) can read from the client
// connection without racing a partially-consumed body stream.
func readBody(br *bufio.Reader, header proxyhttp.List) (*boundedBody, error) {
	if header.IsChunked() {
		cr := httputil.NewChunkedReader(br)
		data, err := io.ReadAll(io.LimitReader(cr, MaxBufferedBody+1))
		if err != nil {
			return nil, fmt.Errorf("reading chunked body: %w", err)
		}
		if len(data) > MaxBufferedBody {
			return nil, fmt.Errorf("chunked body exceeds %d bytes", MaxBufferedBody)
		}
		return &boundedBody{data: data}, nil
	}

	n := header.ContentLength()
	if n <= 0 {
		return &boundedBody{}, nil
	}
	if n > MaxBufferedBody {
		return nil, fmt.Errorf("declared content-length %d exceeds %d byte bound", n, MaxBufferedBody)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(br, data); err != nil {
		return nil, fmt.Errorf("reading content-length body: %w", err)
	}
	return &boundedBody{data: data}, nil
}

// boundedBody is a simple in-memory RequestBody.
type boundedBody struct {
	data []byte
	pos  int
}

func (b *boundedBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func writeSimpleResponse(w io.Writer, code int, reason string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, reason)
}
