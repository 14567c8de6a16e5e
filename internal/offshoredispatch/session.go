// Package offshoredispatch implements the offshore side of one link
// connection: reading frames sequentially and acting on them, per spec
// §4.5. Because the link carries exactly one job at a time, the session's
// own read loop doubles as "the" reader for whichever job is currently in
// flight; there is never a need to demultiplex frames across jobs.
package offshoredispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/frame"
	"github.com/shipshore/proxy/internal/logx"
	"github.com/shipshore/proxy/internal/offshoretunnel"
	"github.com/shipshore/proxy/internal/proxyhttp"
)

// Session dispatches frames arriving on a single link connection.
type Session struct {
	Conn        net.Conn
	Logger      *logx.Logger
	DialTimeout time.Duration

	// IdleTimeout bounds how long a single upstream read may block before
	// the job is failed with an upstream-timeout error (spec §5). Zero
	// disables the bound.
	IdleTimeout time.Duration

	writeMu sync.Mutex
}

// Serve runs until the link fails or ctx is done, returning the error that
// ended it.
func (s *Session) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f, err := frame.ReadFrame(s.Conn)
		if err != nil {
			return err
		}
		switch f.Kind {
		case frame.HTTPReq:
			if err := s.handleHTTP(ctx, f); err != nil {
				s.Logger.Warn("http job ended with error", "job", f.JobID, "error", err)
			}
		case frame.ConnectOpen:
			if err := s.handleConnect(ctx, f); err != nil {
				s.Logger.Warn("connect job ended with error", "job", f.JobID, "error", err)
			}
		default:
			return fmt.Errorf("unexpected frame kind %s as job start: %w", f.Kind, ferr.ProtocolViolation)
		}
	}
}

func (s *Session) writeFrame(f frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return frame.WriteFrame(s.Conn, f)
}

func (s *Session) sendError(jobID uint64, message string) error {
	return s.writeFrame(frame.Frame{Kind: frame.Error, JobID: jobID, Payload: []byte(message)})
}

func (s *Session) handleHTTP(ctx context.Context, head frame.Frame) error {
	jobID := head.JobID
	br := bufio.NewReader(bytes.NewReader(head.Payload))
	reqHead, err := proxyhttp.ReadRequestHead(br)
	if err != nil {
		return s.sendError(jobID, fmt.Sprintf("malformed request head: %v", err))
	}

	want := reqHead.Header.ContentLength()
	if want < 0 {
		want = 0
	}
	body := make([]byte, 0, want)
	// Any body bytes already sitting past the header block in this same
	// frame's payload (only possible if ship ever packs head+body
	// together; it does not, but this keeps the loop correct either way).
	if rest, _ := io.ReadAll(br); len(rest) > 0 {
		body = append(body, rest...)
	}
	for int64(len(body)) < want {
		f, err := frame.ReadFrame(s.Conn)
		if err != nil {
			return err
		}
		if f.JobID != jobID || f.Kind != frame.HTTPReq {
			return fmt.Errorf("expected HTTP_REQ continuation for job %d, got %s for job %d: %w", jobID, f.Kind, f.JobID, ferr.ProtocolViolation)
		}
		body = append(body, f.Payload...)
	}

	target, err := proxyhttp.ResolveTarget(reqHead.Target, reqHead.Header)
	if err != nil {
		return s.sendError(jobID, fmt.Sprintf("resolving target: %v", err))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.DialTimeout)
	dialer := net.Dialer{}
	upstream, err := dialer.DialContext(dialCtx, "tcp", target.HostPort)
	cancel()
	if err != nil {
		return s.sendError(jobID, fmt.Sprintf("dialing %s: %v", target.HostPort, err))
	}
	defer upstream.Close()

	header := reqHead.Header.Clone()
	proxyhttp.StripHopByHop(&header)
	proxyhttp.AddVia(&header)
	proxyhttp.EnsureHost(&header, target.HostPort)

	if err := proxyhttp.WriteRequestLine(upstream, reqHead.Method, target.OriginForm, "HTTP/1.1"); err != nil {
		return s.sendError(jobID, fmt.Sprintf("writing request to upstream: %v", err))
	}
	if _, err := header.WriteTo(upstream); err != nil {
		return s.sendError(jobID, fmt.Sprintf("writing headers to upstream: %v", err))
	}
	if err := proxyhttp.WriteHeadEnd(upstream); err != nil {
		return s.sendError(jobID, fmt.Sprintf("writing headers to upstream: %v", err))
	}
	if len(body) > 0 {
		if _, err := upstream.Write(body); err != nil {
			return s.sendError(jobID, fmt.Sprintf("writing body to upstream: %v", err))
		}
	}

	s.setIdleDeadline(upstream)
	upstreamReader := bufio.NewReader(upstream)
	respHead, err := proxyhttp.ReadResponseHead(upstreamReader)
	if err != nil {
		if isTimeout(err) {
			return s.sendError(jobID, "upstream timeout")
		}
		return s.sendError(jobID, fmt.Sprintf("reading upstream response: %v", err))
	}
	bodyless := reqHead.Method == "HEAD" || isBodylessStatus(respHead.StatusCode)
	chunked := !bodyless && respHead.Header.IsChunked()
	respHeader := respHead.Header.Clone()
	proxyhttp.StripHopByHop(&respHeader)
	proxyhttp.AddVia(&respHeader)

	var respBody []byte
	if chunked {
		body, err := s.readChunkedBody(upstream, upstreamReader)
		if err != nil {
			if isTimeout(err) {
				return s.sendError(jobID, "upstream timeout")
			}
			return s.sendError(jobID, fmt.Sprintf("reading chunked upstream response: %v", err))
		}
		respBody = body
		respHeader.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	}

	var respBuf bytes.Buffer
	proxyhttp.WriteStatusLine(&respBuf, respHead.Proto, respHead.StatusCode, respHead.Reason)
	respHeader.WriteTo(&respBuf)
	proxyhttp.WriteHeadEnd(&respBuf)
	if err := s.sendChunk(jobID, respBuf.Bytes()); err != nil {
		return err
	}

	switch {
	case bodyless:
		// HEAD requests and 204/304/1xx responses carry no body even when
		// a Content-Length header is present (RFC 9110 §6.4.1).
	case chunked:
		if err := s.sendChunk(jobID, respBody); err != nil {
			return err
		}
	default:
		if err := s.streamResponseBody(jobID, upstream, upstreamReader, respHeader); err != nil {
			if isTimeout(err) {
				return s.sendError(jobID, "upstream timeout")
			}
			return err
		}
	}
	return s.writeFrame(frame.Frame{Kind: frame.HTTPRespEnd, JobID: jobID})
}

// isBodylessStatus reports whether status is one of the response codes
// RFC 9110 forbids from carrying a body regardless of any declared
// Content-Length.
func isBodylessStatus(status int) bool {
	return status == 204 || status == 304 || (status >= 100 && status < 200)
}

// maxBufferedResponseBody bounds how much of a chunked upstream response
// readChunkedBody will buffer while de-chunking it for forwarding with an
// explicit Content-Length.
const maxBufferedResponseBody = 64 << 20 // 64 MiB

// readChunkedBody decodes a chunked upstream response body in full so it
// can be forwarded with an explicit Content-Length instead of chunk
// framing the client never asked to interpret.
func (s *Session) readChunkedBody(conn net.Conn, r *bufio.Reader) ([]byte, error) {
	cr := httputil.NewChunkedReader(r)
	var data []byte
	buf := make([]byte, 32<<10)
	for {
		s.setIdleDeadline(conn)
		n, err := cr.Read(buf)
		data = append(data, buf[:n]...)
		if len(data) > maxBufferedResponseBody {
			return nil, fmt.Errorf("chunked response body exceeds %d bytes", maxBufferedResponseBody)
		}
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading chunked response body: %w", err)
		}
	}
}

func (s *Session) streamResponseBody(jobID uint64, conn net.Conn, r io.Reader, header proxyhttp.List) error {
	buf := make([]byte, frame.MaxPayload)
	limited := io.Reader(r)
	if n := header.ContentLength(); n >= 0 {
		limited = io.LimitReader(r, n)
	}
	for {
		s.setIdleDeadline(conn)
		n, err := limited.Read(buf)
		if n > 0 {
			if werr := s.sendChunk(jobID, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading upstream response body: %w", err)
		}
	}
}

// setIdleDeadline arms conn's read deadline for the session's configured
// idle timeout. A zero IdleTimeout leaves the deadline unset.
func (s *Session) setIdleDeadline(conn net.Conn) {
	if s.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *Session) sendChunk(jobID uint64, payload []byte) error {
	for off := 0; off < len(payload); {
		end := off + frame.MaxPayload
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.writeFrame(frame.Frame{Kind: frame.HTTPRespChunk, JobID: jobID, Payload: payload[off:end]}); err != nil {
			return err
		}
		off = end
	}
	if len(payload) == 0 {
		return s.writeFrame(frame.Frame{Kind: frame.HTTPRespChunk, JobID: jobID})
	}
	return nil
}

func (s *Session) handleConnect(ctx context.Context, open frame.Frame) error {
	jobID := open.JobID
	target := string(open.Payload)

	dialCtx, cancel := context.WithTimeout(ctx, s.DialTimeout)
	dialer := net.Dialer{}
	upstream, err := dialer.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		return s.writeFrame(frame.Frame{Kind: frame.ConnectFail, JobID: jobID, Payload: []byte(err.Error())})
	}

	if err := s.writeFrame(frame.Frame{Kind: frame.ConnectOK, JobID: jobID}); err != nil {
		upstream.Close()
		return err
	}

	pump := offshoretunnel.Pump{
		JobID:        jobID,
		UpstreamConn: upstream,
		Conn:         s.Conn,
		WriteMu:      &s.writeMu,
		Logger:       s.Logger,
	}
	err = pump.Run()
	upstream.Close()
	return err
}
