// Package shiplink owns the ship's single outbound TCP connection to
// offshore: the CONNECTING/CONNECTED/CLOSED state machine, exponential
// backoff reconnection, and serialized frame I/O, per spec §4.3.
package shiplink

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/shipshore/proxy/internal/ferr"
	"github.com/shipshore/proxy/internal/frame"
	"github.com/shipshore/proxy/internal/logx"
)

// State is the link manager's current connection state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

// Manager owns the offshore socket and backoff state. It is safe for
// concurrent use: WriteFrame is internally serialized so the worker's
// response reads and a tunnel uplink's writes can interleave safely (§5).
type Manager struct {
	addr        string
	dialTimeout time.Duration
	logger      *logx.Logger

	mu         sync.Mutex
	state      State
	conn       net.Conn
	generation uint64
	readyCh    chan struct{} // closed when state becomes Connected, replaced when it returns to Connecting

	writeMu sync.Mutex // serializes frame writes on the current conn

	closeCh chan struct{}
}

// New creates a Manager targeting addr (host:port). Dialing does not begin
// until Run is started.
func New(addr string, dialTimeout time.Duration, logger *logx.Logger) *Manager {
	m := &Manager{
		addr:        addr,
		dialTimeout: dialTimeout,
		logger:      logger,
		state:       StateConnecting,
		readyCh:     make(chan struct{}),
		closeCh:     make(chan struct{}),
	}
	return m
}

// Run drives the CONNECTING <-> CONNECTED loop until ctx is done or Close
// is called. It should be started in its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
	}

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-m.closeCh:
			return
		default:
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(dialCtx, "tcp", m.addr)
		cancel()
		if err != nil {
			attempt := b.Attempt()
			if attempt > 6 {
				attempt = 6
			}
			d := b.ForAttempt(attempt)
			b.Duration() // advance the internal attempt counter for next time
			m.logger.Warn("dial offshore failed", "error", err, "retry_in", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				m.Close()
				return
			case <-m.closeCh:
				return
			}
			continue
		}

		b.Reset()
		m.becomeConnected(conn)
		m.logger.Info("connected to offshore", "addr", m.addr, "generation", m.Generation())

		// Block here until the connection is detected dead by a reader
		// or writer elsewhere; we learn about it via waitForDeath.
		m.waitForDeath(conn)

		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-m.closeCh:
			return
		default:
		}
		m.becomeConnecting()
	}
}

func (m *Manager) becomeConnected(conn net.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.state = StateConnected
	close(m.readyCh)
}

func (m *Manager) becomeConnecting() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.conn == nil {
		// Already reset (or closed): a later call against the same dead
		// connection has no effect.
		return
	}
	m.conn.Close()
	m.conn = nil
	m.state = StateConnecting
	m.generation++
	m.readyCh = make(chan struct{})
}

// waitForDeath blocks until the connection passed in is no longer the
// manager's current connection (i.e. a reset was triggered elsewhere).
func (m *Manager) waitForDeath(conn net.Conn) {
	for {
		m.mu.Lock()
		dead := m.conn != conn
		m.mu.Unlock()
		if dead {
			return
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-m.closeCh:
			return
		}
	}
}

// WaitReady parks the caller until the link is CONNECTED, returning the
// connected conn and its generation, or an error if ctx is done first.
func (m *Manager) WaitReady(ctx context.Context) (net.Conn, uint64, error) {
	for {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return nil, 0, fmt.Errorf("link manager closed")
		}
		if m.state == StateConnected {
			conn, gen := m.conn, m.generation
			m.mu.Unlock()
			return conn, gen, nil
		}
		ready := m.readyCh
		m.mu.Unlock()

		select {
		case <-ready:
			continue
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-m.closeCh:
			return nil, 0, fmt.Errorf("link manager closed")
		}
	}
}

// Generation returns the current reconnect generation counter.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// WriteFrame writes f to the link, serialized against other writers
// (e.g. a tunnel uplink pump) sharing the same connection. If gen no
// longer matches the current generation, the link has already been reset
// out from under the caller and this returns ferr.LinkLost without
// writing.
func (m *Manager) WriteFrame(gen uint64, f frame.Frame) error {
	m.mu.Lock()
	if m.generation != gen || m.conn == nil {
		m.mu.Unlock()
		return fmt.Errorf("link reset since job started: %w", ferr.LinkLost)
	}
	conn := m.conn
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := frame.WriteFrame(conn, f); err != nil {
		m.Reset()
		return err
	}
	return nil
}

// ReadFrame reads the next frame from the link associated with gen. Like
// WriteFrame, a stale generation is reported as ferr.LinkLost immediately.
func (m *Manager) ReadFrame(gen uint64) (frame.Frame, error) {
	m.mu.Lock()
	if m.generation != gen || m.conn == nil {
		m.mu.Unlock()
		return frame.Frame{}, fmt.Errorf("link reset since job started: %w", ferr.LinkLost)
	}
	conn := m.conn
	m.mu.Unlock()

	f, err := frame.ReadFrame(conn)
	if err != nil {
		m.Reset()
		return frame.Frame{}, err
	}
	return f, nil
}

// Reset forces the current connection closed and the state machine back
// to CONNECTING, bumping the generation counter. Safe to call multiple
// times or concurrently; only the first call against a given connection
// has an effect.
func (m *Manager) Reset() {
	m.becomeConnecting()
}

// Close terminates the manager permanently (CLOSED), for process
// shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
	}
	m.state = StateClosed
	m.mu.Unlock()
	close(m.closeCh)
}
