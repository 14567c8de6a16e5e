// Package shipworker drives the single sequential worker loop described in
// spec §4.2: dequeue one job at a time, wait for the link to be ready, run
// it to completion against offshore, and only then dequeue the next job.
// No two jobs are ever in flight on the link at once.
package shipworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/frame"
	"github.com/shipshore/proxy/internal/logx"
	"github.com/shipshore/proxy/internal/proxyhttp"
	"github.com/shipshore/proxy/internal/shiplink"
	"github.com/shipshore/proxy/internal/shipqueue"
	"github.com/shipshore/proxy/internal/shiptunnel"
)

// Worker pulls jobs off a Queue and runs them against a shiplink.Manager.
type Worker struct {
	Queue  *shipqueue.Queue
	Link   *shiplink.Manager
	Logger *logx.Logger
}

// Run processes jobs until ctx is done and the queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, ok := w.Queue.Dequeue()
		if !ok {
			return
		}
		job.MarkActive()
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *shipqueue.Job) {
	_, gen, err := w.Link.WaitReady(ctx)
	if err != nil {
		job.Complete(fmt.Errorf("waiting for link: %w", err))
		return
	}

	switch job.Kind {
	case shipqueue.KindConnect:
		w.runConnect(job, gen)
	default:
		w.runHTTP(job, gen)
	}
}

func (w *Worker) runHTTP(job *shipqueue.Job, gen uint64) {
	// Hop-by-hop stripping and Via injection happen once, on the offshore
	// side, which re-parses this head anyway before dialing the origin;
	// doing it here too would double up the Via header.
	head := job.Header.Clone()

	body, err := io.ReadAll(job.Body)
	if err != nil {
		job.Complete(fmt.Errorf("reading buffered request body: %w", err))
		return
	}
	head.Del("Transfer-Encoding")
	head.Set("Content-Length", fmt.Sprintf("%d", len(body)))

	var headBuf bytes.Buffer
	proxyhttp.WriteRequestLine(&headBuf, job.Method, job.Target, "HTTP/1.1")
	head.WriteTo(&headBuf)
	proxyhttp.WriteHeadEnd(&headBuf)

	if headBuf.Len() > frame.MaxPayload {
		job.Complete(fmt.Errorf("request head of %d bytes exceeds frame payload bound: %w", headBuf.Len(), ferr.ProtocolViolation))
		return
	}

	if err := w.Link.WriteFrame(gen, frame.Frame{Kind: frame.HTTPReq, JobID: job.ID, Payload: headBuf.Bytes()}); err != nil {
		job.Complete(err)
		return
	}
	for off := 0; off < len(body); {
		end := off + frame.MaxPayload
		if end > len(body) {
			end = len(body)
		}
		if err := w.Link.WriteFrame(gen, frame.Frame{Kind: frame.HTTPReq, JobID: job.ID, Payload: body[off:end]}); err != nil {
			job.Complete(err)
			return
		}
		off = end
	}

	headSent := false
	for {
		f, err := w.Link.ReadFrame(gen)
		if err != nil {
			job.Complete(err)
			return
		}
		if f.JobID != job.ID {
			w.Logger.Error("frame job id mismatch on sequential link", "got", f.JobID, "want", job.ID, "kind", f.Kind)
			w.Link.Reset()
			job.Complete(ferr.ProtocolViolation)
			return
		}
		switch f.Kind {
		case frame.HTTPRespChunk:
			if _, err := job.ClientConn.Write(f.Payload); err != nil {
				// Client is gone; keep draining the response off the link so
				// the next job starts from a clean frame boundary.
				continue
			}
			headSent = true
		case frame.HTTPRespEnd:
			job.Complete(nil)
			return
		case frame.Error:
			w.Logger.Warn("offshore reported upstream error", "job", job.ID, "message", string(f.Payload))
			if !headSent {
				writeGatewayError(job, string(f.Payload))
			}
			// If the real status line and headers already reached the
			// client, a synthetic 502 would just be appended past them;
			// closing the connection is the cleaner truncation here.
			job.Complete(fmt.Errorf("upstream error: %s", f.Payload))
			return
		default:
			w.Link.Reset()
			job.Complete(fmt.Errorf("unexpected frame kind %s for HTTP job: %w", f.Kind, ferr.ProtocolViolation))
			return
		}
	}
}

func (w *Worker) runConnect(job *shipqueue.Job, gen uint64) {
	if err := w.Link.WriteFrame(gen, frame.Frame{Kind: frame.ConnectOpen, JobID: job.ID, Payload: []byte(job.Target)}); err != nil {
		job.Complete(err)
		return
	}

	f, err := w.Link.ReadFrame(gen)
	if err != nil {
		job.Complete(err)
		return
	}
	if f.JobID != job.ID {
		w.Link.Reset()
		job.Complete(ferr.ProtocolViolation)
		return
	}
	switch f.Kind {
	case frame.ConnectFail:
		fmt.Fprintf(job.ClientConn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		job.Complete(fmt.Errorf("upstream connect failed: %s", f.Payload))
		return
	case frame.ConnectOK:
		// fall through to tunnel pump
	default:
		w.Link.Reset()
		job.Complete(fmt.Errorf("unexpected frame kind %s for CONNECT job: %w", f.Kind, ferr.ProtocolViolation))
		return
	}

	if _, err := io.WriteString(job.ClientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		job.Complete(fmt.Errorf("writing connect response to client: %w", ferr.ClientGone))
		return
	}

	pump := shiptunnel.Pump{
		JobID:      job.ID,
		ClientConn: job.ClientConn,
		PeekReader: job.PeekReader,
		Link:       w.Link,
		Generation: gen,
		Logger:     w.Logger,
	}
	err = pump.Run()
	if err != nil && !errors.Is(err, io.EOF) {
		job.Complete(err)
		return
	}
	job.Complete(nil)
}

func writeGatewayError(job *shipqueue.Job, reason string) {
	body := []byte(reason)
	fmt.Fprintf(job.ClientConn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}
