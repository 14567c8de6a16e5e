// Package offshorelink accepts the ship's single inbound link connection,
// per spec §4.5: exactly one live connection at a time, with a short grace
// window to let a replacement connection land before rejecting a second
// concurrent one outright.
package offshorelink

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/shipshore/proxy/internal/logx"
)

// SecondConnectionGrace bounds how long a newly accepted connection will
// wait for a prior one to be cleared before being rejected.
const SecondConnectionGrace = 200 * time.Millisecond

// Handler processes one accepted link connection until it fails; the
// listener clears it as "current" as soon as Handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Listener accepts the ship's link connection on Addr.
type Listener struct {
	Addr   string
	Logger *logx.Logger

	mu      sync.Mutex
	current net.Conn
}

// ListenAndServe accepts connections until ctx is done, dispatching each
// admitted one to handle.
func (l *Listener) ListenAndServe(ctx context.Context, handle Handler) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.Logger.Info("offshore link listening", "addr", l.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.admit(ctx, conn, handle)
	}
}

func (l *Listener) admit(ctx context.Context, conn net.Conn, handle Handler) {
	deadline := time.Now().Add(SecondConnectionGrace)
	for {
		l.mu.Lock()
		if l.current == nil {
			l.current = conn
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			l.Logger.Warn("rejecting second link connection", "remote", conn.RemoteAddr())
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	l.Logger.Info("link connected", "remote", conn.RemoteAddr())
	handle(ctx, conn)

	l.mu.Lock()
	if l.current == conn {
		l.current = nil
	}
	l.mu.Unlock()
	conn.Close()
	l.Logger.Info("link disconnected", "remote", conn.RemoteAddr())
}
