// ship is the process that runs alongside the local HTTP client: it
// accepts proxy connections, queues their requests, and ferries them to
// offshore over a single reconnecting link.
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
	"github.com/shipshore/proxy/internal/shiplink"
	"github.com/shipshore/proxy/internal/shipproxy"
	"github.com/shipshore/proxy/internal/shipqueue"
	"github.com/shipshore/proxy/internal/shipworker"
)

type config struct {
	listenHost    string
	listenPort    int
	offshoreHost  string
	offshorePort  int
	logLevel      string
	logFile       string
	dialTimeout   time.Duration
	shutdownGrace time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ship: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ship: %v\n", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

func parseFlags(args []string) (config, error) {
	var cfg config
	fs := pflag.NewFlagSet("ship", pflag.ContinueOnError)
	fs.StringVar(&cfg.listenHost, "listen-host", "0.0.0.0", "address the local proxy listens on")
	fs.IntVar(&cfg.listenPort, "listen-port", 8080, "port the local proxy listens on")
	fs.StringVar(&cfg.offshoreHost, "offshore-host", envOr("OFFSHORE_HOST", "127.0.0.1"), "offshore host to dial")
	fs.IntVar(&cfg.offshorePort, "offshore-port", envOrInt("OFFSHORE_PORT", 9999), "offshore port to dial")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.logFile, "log-file", "", "rotate logs to this file instead of stderr")
	fs.DurationVar(&cfg.dialTimeout, "dial-timeout", 10*time.Second, "timeout for each dial attempt to offshore")
	fs.DurationVar(&cfg.shutdownGrace, "shutdown-grace", 5*time.Second, "time allowed for in-flight jobs to finish on shutdown")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func run(cfg config) error {
	logger := logx.New("ship", logx.Options{Level: logx.ParseLevel(cfg.logLevel), LogFile: cfg.logFile})

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()
	atexit.Register(cancel)

	queue := shipqueue.New()
	link := shiplink.New(net.JoinHostPort(cfg.offshoreHost, fmt.Sprintf("%d", cfg.offshorePort)), cfg.dialTimeout, logger.Fork("component", "link"))
	go link.Run(ctx)

	worker := &shipworker.Worker{Queue: queue, Link: link, Logger: logger.Fork("component", "worker")}
	go worker.Run(ctx)

	listener := &shipproxy.Listener{
		Addr:   net.JoinHostPort(cfg.listenHost, fmt.Sprintf("%d", cfg.listenPort)),
		Queue:  queue,
		Logger: logger.Fork("component", "proxy"),
	}
	err := listener.ListenAndServe(ctx)

	time.Sleep(cfg.shutdownGrace)
	queue.Close()
	link.Close()
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}
