// Package shiptunnel runs the ship side of a CONNECT tunnel's byte pump
// once the offshore dispatcher has confirmed the upstream connection is
// open, per spec §4.4: relay client bytes into DATA frames and DATA frames
// back to the client, honoring half-close in both directions.
package shiptunnel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/frame"
	"github.com/shipshore/proxy/internal/logx"
	"github.com/shipshore/proxy/internal/shiplink"
)

// readChunk bounds a single client->link read, per spec §4.4.
const readChunk = 16 << 10 // 16 KiB

// Pump relays one CONNECT job's bytes between the local client connection
// and the link, until both directions have closed.
type Pump struct {
	JobID uint64

	// ClientConn is the client's raw socket. PeekReader, if non-nil, wraps
	// it and may already hold buffered bytes (e.g. left over from request
	// parsing) that must be drained before reading ClientConn directly.
	ClientConn net.Conn
	PeekReader *bufio.Reader

	Link       *shiplink.Manager
	Generation uint64
	Logger     *logx.Logger
}

// Run blocks until both the client->offshore and offshore->client halves
// have finished, and reports the first fatal error encountered, if any.
func (p *Pump) Run() error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		firstErr error
	)
	report := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		report(p.pumpUplink())
	}()
	go func() {
		defer wg.Done()
		report(p.pumpDownlink())
	}()
	wg.Wait()
	return firstErr
}

func (p *Pump) pumpUplink() error {
	src := io.Reader(p.ClientConn)
	if p.PeekReader != nil {
		src = p.PeekReader
	}
	buf := make([]byte, readChunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := p.Link.WriteFrame(p.Generation, frame.Frame{Kind: frame.Data, JobID: p.JobID, Payload: append([]byte(nil), buf[:n]...)}); werr != nil {
				return werr
			}
		}
		if err != nil {
			closeErr := p.Link.WriteFrame(p.Generation, frame.Frame{Kind: frame.Close, JobID: p.JobID, Payload: []byte{frame.CloseLocalToRemote}})
			if err == io.EOF {
				return closeErr
			}
			if closeErr != nil {
				return closeErr
			}
			return fmt.Errorf("reading from client: %w", err)
		}
	}
}

func (p *Pump) pumpDownlink() error {
	for {
		f, err := p.Link.ReadFrame(p.Generation)
		if err != nil {
			// The link is gone; unblock the uplink half's pending client
			// read so Run can return instead of leaking a goroutine.
			p.ClientConn.Close()
			return err
		}
		if f.JobID != p.JobID {
			p.Logger.Error("tunnel frame job id mismatch", "got", f.JobID, "want", p.JobID)
			p.Link.Reset()
			p.ClientConn.Close()
			return ferr.ProtocolViolation
		}
		switch f.Kind {
		case frame.Data:
			if _, err := p.ClientConn.Write(f.Payload); err != nil {
				// Client gone; keep draining so the link stays on a clean
				// frame boundary for the next job.
				continue
			}
		case frame.Close:
			if len(f.Payload) > 0 && f.Payload[0] == frame.CloseRemoteToLocal {
				halfCloseWrite(p.ClientConn)
				return nil
			}
		default:
			p.Link.Reset()
			p.ClientConn.Close()
			return fmt.Errorf("unexpected frame kind %s in tunnel: %w", f.Kind, ferr.ProtocolViolation)
		}
	}
}

func halfCloseWrite(conn net.Conn) {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
	}
}
