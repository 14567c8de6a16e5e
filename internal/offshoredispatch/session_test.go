package offshoredispatch

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/shipshore/proxy/internal/frame"
	"github.com/shipshore/proxy/internal/logx"
	"github.com/shipshore/proxy/internal/proxyhttp"
)

func newTestLogger() *logx.Logger {
	return logx.New("test", logx.Options{Level: logx.LevelError})
}

func tcpPipe(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptErr := make(chan error, 1)
	var accepted net.Conn
	go func() {
		c, err := ln.Accept()
		accepted = c
		acceptErr <- err
	}()

	a, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := <-acceptErr; err != nil {
		t.Fatalf("accept: %v", err)
	}
	return a, accepted
}

// startRawUpstream accepts exactly one connection, reads until the blank
// line ending the request head, then writes resp verbatim.
func startRawUpstream(t *testing.T, resp string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(resp))
	}()
	return ln.Addr().String()
}

func readFrameSeries(t *testing.T, conn net.Conn, jobID uint64) frame.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.JobID != jobID {
		t.Fatalf("got job id %d, want %d", f.JobID, jobID)
	}
	return f
}

func TestSessionHandlesHTTPJob(t *testing.T) {
	upstreamAddr := startRawUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhowdy")

	shipSide, offshoreSide := tcpPipe(t)
	defer shipSide.Close()

	session := &Session{Conn: offshoreSide, Logger: newTestLogger(), DialTimeout: 2 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	var header proxyhttp.List
	header.Add("Host", upstreamAddr)
	var headBuf bytes.Buffer
	proxyhttp.WriteRequestLine(&headBuf, "GET", "http://"+upstreamAddr+"/", "HTTP/1.1")
	header.WriteTo(&headBuf)
	proxyhttp.WriteHeadEnd(&headBuf)

	const jobID = 42
	if err := frame.WriteFrame(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: jobID, Payload: headBuf.Bytes()}); err != nil {
		t.Fatalf("WriteFrame head: %v", err)
	}

	chunk := readFrameSeries(t, shipSide, jobID)
	if chunk.Kind != frame.HTTPRespChunk {
		t.Fatalf("first response frame kind = %s, want HTTP_RESP_CHUNK", chunk.Kind)
	}
	respText := string(chunk.Payload)
	for {
		f := readFrameSeries(t, shipSide, jobID)
		if f.Kind == frame.HTTPRespEnd {
			break
		}
		if f.Kind != frame.HTTPRespChunk {
			t.Fatalf("unexpected frame kind %s", f.Kind)
		}
		respText += string(f.Payload)
	}

	br := bufio.NewReader(bytes.NewReader([]byte(respText)))
	respHead, err := proxyhttp.ReadResponseHead(br)
	if err != nil {
		t.Fatalf("parsing relayed response head: %v", err)
	}
	if respHead.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", respHead.StatusCode)
	}
	body := make([]byte, 5)
	if _, err := br.Read(body); err != nil {
		t.Fatalf("reading relayed body: %v", err)
	}
	if string(body) != "howdy" {
		t.Fatalf("body = %q, want %q", body, "howdy")
	}
}

// startCapturingUpstream accepts exactly one connection, records the
// request head and body it receives, then writes resp verbatim.
func startCapturingUpstream(t *testing.T, resp string) (addr string, received chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	received = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var head strings.Builder
		for {
			line, err := br.ReadString('\n')
			head.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		received <- head.String()
		conn.Write([]byte(resp))
	}()
	return ln.Addr().String(), received
}

func TestSessionHeadRequestGetsNoBody(t *testing.T) {
	upstreamAddr := startRawUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhowdy")

	shipSide, offshoreSide := tcpPipe(t)
	defer shipSide.Close()

	session := &Session{Conn: offshoreSide, Logger: newTestLogger(), DialTimeout: 2 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	var header proxyhttp.List
	header.Add("Host", upstreamAddr)
	var headBuf bytes.Buffer
	proxyhttp.WriteRequestLine(&headBuf, "HEAD", "http://"+upstreamAddr+"/", "HTTP/1.1")
	header.WriteTo(&headBuf)
	proxyhttp.WriteHeadEnd(&headBuf)

	const jobID = 43
	if err := frame.WriteFrame(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: jobID, Payload: headBuf.Bytes()}); err != nil {
		t.Fatalf("WriteFrame head: %v", err)
	}

	chunk := readFrameSeries(t, shipSide, jobID)
	if chunk.Kind != frame.HTTPRespChunk {
		t.Fatalf("first response frame kind = %s, want HTTP_RESP_CHUNK", chunk.Kind)
	}
	end := readFrameSeries(t, shipSide, jobID)
	if end.Kind != frame.HTTPRespEnd {
		t.Fatalf("second response frame kind = %s, want HTTP_RESP_END immediately after the head, got nothing in between", end.Kind)
	}
}

func TestSessionForwardsSingleViaHeader(t *testing.T) {
	upstreamAddr, received := startCapturingUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")

	shipSide, offshoreSide := tcpPipe(t)
	defer shipSide.Close()

	session := &Session{Conn: offshoreSide, Logger: newTestLogger(), DialTimeout: 2 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	var header proxyhttp.List
	header.Add("Host", upstreamAddr)
	var headBuf bytes.Buffer
	proxyhttp.WriteRequestLine(&headBuf, "GET", "http://"+upstreamAddr+"/", "HTTP/1.1")
	header.WriteTo(&headBuf)
	proxyhttp.WriteHeadEnd(&headBuf)

	const jobID = 44
	if err := frame.WriteFrame(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: jobID, Payload: headBuf.Bytes()}); err != nil {
		t.Fatalf("WriteFrame head: %v", err)
	}

	var upstreamHead string
	select {
	case upstreamHead = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received a request")
	}
	if n := strings.Count(upstreamHead, "Via:"); n != 1 {
		t.Fatalf("upstream request had %d Via headers, want 1:\n%s", n, upstreamHead)
	}

	for {
		f := readFrameSeries(t, shipSide, jobID)
		if f.Kind == frame.HTTPRespEnd {
			break
		}
	}
}

func TestSessionReportsDialFailureAsErrorFrame(t *testing.T) {
	shipSide, offshoreSide := tcpPipe(t)
	defer shipSide.Close()

	session := &Session{Conn: offshoreSide, Logger: newTestLogger(), DialTimeout: 300 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	var headBuf bytes.Buffer
	proxyhttp.WriteRequestLine(&headBuf, "GET", "http://127.0.0.1:1/", "HTTP/1.1")
	proxyhttp.WriteHeadEnd(&headBuf)

	const jobID = 9
	if err := frame.WriteFrame(shipSide, frame.Frame{Kind: frame.HTTPReq, JobID: jobID, Payload: headBuf.Bytes()}); err != nil {
		t.Fatalf("WriteFrame head: %v", err)
	}

	f := readFrameSeries(t, shipSide, jobID)
	if f.Kind != frame.Error {
		t.Fatalf("got frame kind %s, want ERROR", f.Kind)
	}
}

func TestSessionHandlesConnectJob(t *testing.T) {
	upstreamAddr := startRawUpstream(t, "tunneled-bytes")

	shipSide, offshoreSide := tcpPipe(t)
	defer shipSide.Close()

	session := &Session{Conn: offshoreSide, Logger: newTestLogger(), DialTimeout: 2 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Serve(ctx)

	const jobID = 77
	if err := frame.WriteFrame(shipSide, frame.Frame{Kind: frame.ConnectOpen, JobID: jobID, Payload: []byte(upstreamAddr)}); err != nil {
		t.Fatalf("WriteFrame open: %v", err)
	}

	ok := readFrameSeries(t, shipSide, jobID)
	if ok.Kind != frame.ConnectOK {
		t.Fatalf("got %s, want CONNECT_OK", ok.Kind)
	}

	if err := frame.WriteFrame(shipSide, frame.Frame{Kind: frame.Data, JobID: jobID, Payload: []byte("\r\n")}); err != nil {
		t.Fatalf("WriteFrame data: %v", err)
	}

	data := readFrameSeries(t, shipSide, jobID)
	if data.Kind != frame.Data || string(data.Payload) != "tunneled-bytes" {
		t.Fatalf("got %+v, want tunneled-bytes DATA", data)
	}
}
