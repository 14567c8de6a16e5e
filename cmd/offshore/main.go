// offshore is the process that runs alongside the destination network: it
// accepts the ship's single link connection and dispatches its framed
// jobs against real upstream servers.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tebeka/atexit"

	"github.com/shipshore/proxy/internal/logx"
	"github.com/shipshore/proxy/internal/offshoredispatch"
	"github.com/shipshore/proxy/internal/offshorelink"
)

type config struct {
	listenHost  string
	listenPort  int
	logLevel    string
	logFile     string
	dialTimeout time.Duration
	idleTimeout time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "offshore: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "offshore: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := pflag.NewFlagSet("offshore", pflag.ContinueOnError)
	fs.StringVar(&cfg.listenHost, "listen-host", "0.0.0.0", "address the link listener binds")
	fs.IntVar(&cfg.listenPort, "listen-port", 9999, "port the link listener binds")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.logFile, "log-file", "", "rotate logs to this file instead of stderr")
	fs.DurationVar(&cfg.dialTimeout, "dial-timeout", 10*time.Second, "timeout dialing each upstream target")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 30*time.Second, "timeout waiting for each upstream read")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func run(cfg config) error {
	logger := logx.New("offshore", logx.Options{Level: logx.ParseLevel(cfg.logLevel), LogFile: cfg.logFile})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()
	atexit.Register(cancel)

	listener := &offshorelink.Listener{
		Addr:   net.JoinHostPort(cfg.listenHost, fmt.Sprintf("%d", cfg.listenPort)),
		Logger: logger.Fork("component", "link"),
	}

	return listener.ListenAndServe(ctx, func(ctx context.Context, conn net.Conn) {
		session := &offshoredispatch.Session{
			Conn:        conn,
			Logger:      logger.Fork("component", "dispatch"),
			DialTimeout: cfg.dialTimeout,
			IdleTimeout: cfg.idleTimeout,
		}
		if err := session.Serve(ctx); err != nil {
			logger.Warn("link session ended", "error", err)
		}
	})
}
