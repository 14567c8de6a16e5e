// Package offshoretunnel runs the offshore side of a CONNECT tunnel's byte
// pump: relay bytes between the dialed upstream connection and DATA frames
// on the ship link, honoring half-close in both directions. Mirrors
// internal/shiptunnel; see its doc comment for the grounding.
package offshoretunnel

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/frame"
	"github.com/shipshore/proxy/internal/logx"
)

const readChunk = 16 << 10

// Pump relays one CONNECT job's bytes between the dialed upstream
// connection and the ship link, until both directions have closed.
type Pump struct {
	JobID uint64

	UpstreamConn net.Conn

	// Conn is the single ship link connection; WriteMu serializes frame
	// writes on it against the session's own writes (e.g. CONNECT_OK for
	// the next job, once this pump has returned).
	Conn    net.Conn
	WriteMu *sync.Mutex

	Logger *logx.Logger
}

func (p *Pump) writeFrame(f frame.Frame) error {
	p.WriteMu.Lock()
	defer p.WriteMu.Unlock()
	return frame.WriteFrame(p.Conn, f)
}

// Run blocks until both halves have finished and returns the first fatal
// error, if any. A clean mutual close reports nil.
func (p *Pump) Run() error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
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
		report(p.pumpUpstreamToLink())
	}()
	go func() {
		defer wg.Done()
		report(p.pumpLinkToUpstream())
	}()
	wg.Wait()
	return firstErr
}

func (p *Pump) pumpUpstreamToLink() error {
	buf := make([]byte, readChunk)
	for {
		n, err := p.UpstreamConn.Read(buf)
		if n > 0 {
			if werr := p.writeFrame(frame.Frame{Kind: frame.Data, JobID: p.JobID, Payload: append([]byte(nil), buf[:n]...)}); werr != nil {
				return werr
			}
		}
		if err != nil {
			closeErr := p.writeFrame(frame.Frame{Kind: frame.Close, JobID: p.JobID, Payload: []byte{frame.CloseRemoteToLocal}})
			if err == io.EOF {
				return closeErr
			}
			if closeErr != nil {
				return closeErr
			}
			return fmt.Errorf("reading from upstream: %w", err)
		}
	}
}

// pumpLinkToUpstream is handed frames by the caller's ReadFrame loop
// indirectly: it owns the link's read side for the duration of this job,
// since the protocol guarantees no other job's frames interleave on a
// single sequential link.
func (p *Pump) pumpLinkToUpstream() error {
	for {
		f, err := frame.ReadFrame(p.Conn)
		if err != nil {
			p.UpstreamConn.Close()
			return err
		}
		if f.JobID != p.JobID {
			p.Logger.Error("tunnel frame job id mismatch", "got", f.JobID, "want", p.JobID)
			p.UpstreamConn.Close()
			return ferr.ProtocolViolation
		}
		switch f.Kind {
		case frame.Data:
			if _, err := p.UpstreamConn.Write(f.Payload); err != nil {
				continue
			}
		case frame.Close:
			if len(f.Payload) > 0 && f.Payload[0] == frame.CloseLocalToRemote {
				halfCloseWrite(p.UpstreamConn)
				return nil
			}
		default:
			p.UpstreamConn.Close()
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
