// Command pxetftpd serves a single directory read-only over TFTP,
// suitable for PXE network boot. See -help for the flag surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/quietwire/pxetftpd/internal/config"
	"github.com/quietwire/pxetftpd/internal/eventlog"
	"github.com/quietwire/pxetftpd/internal/fsroot"
	"github.com/quietwire/pxetftpd/internal/netdiscover"
	"github.com/quietwire/pxetftpd/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pxetftpd", flag.ContinueOnError)
	fs.Usage = func() { usage(fs) }

	flags, err := config.ParseFlags(fs, args)
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Resolve(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	normalLog, debugLog, errorLog, closeLogs, err := openLogFiles(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 4
	}
	defer closeLogs()

	logger := eventlog.New(256,
		eventlog.WithWriters(normalLog, debugLog, errorLog),
		eventlog.WithDebug(cfg.Debug),
	)
	defer logger.Close()

	if cfg.AutoDiscover {
		addr, err := netdiscover.BindAddress()
		if err != nil {
			logger.Log(eventlog.Event{Level: eventlog.Error, From: "config", Message: fmt.Sprintf("LAN discovery failed, falling back to loopback: %v", err)})
			addr = "127.0.0.1"
		}
		cfg.ListenAddress = fmt.Sprintf("%s:69", addr)
	}

	resolver, err := fsroot.Open(cfg.Root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer resolver.Close()

	listener, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		BlksizeCeiling: cfg.BlksizeCeiling,
		TimeoutCeiling: cfg.TimeoutCeiling,
		RetryBudget:    cfg.RetryBudget,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	}, resolver, logger, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 3
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- listener.Serve(ctx) }()

	fmt.Println("Press Control-C (^C) to exit!")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-interrupt:
		cancel()
		<-served
		return 0
	case err := <-served:
		if err != nil {
			logger.Log(eventlog.Event{Level: eventlog.Error, From: "server", Message: err.Error()})
			return 5
		}
		return 0
	}
}

func openLogFiles(cfg *config.Config) (normal, debug, errFile *os.File, closeAll func(), err error) {
	normal, debug, errFile = os.Stdout, os.Stderr, os.Stderr
	var toClose []*os.File

	open := func(path string, fallback *os.File) (*os.File, error) {
		if path == "" {
			return fallback, nil
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return nil, err
		}
		toClose = append(toClose, f)
		return f, nil
	}

	if normal, err = open(cfg.NormalLogFile, normal); err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("opening normal log: %w", err)
	}
	if debug, err = open(cfg.DebugLogFile, debug); err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("opening debug log: %w", err)
	}
	if errFile, err = open(cfg.ErrorLogFile, errFile); err != nil {
		return nil, nil, nil, func() {}, fmt.Errorf("opening error log: %w", err)
	}

	return normal, debug, errFile, func() {
		for _, f := range toClose {
			f.Close()
		}
	}, nil
}

func usage(fs *flag.FlagSet) {
	fmt.Println("pxetftpd: read-only TFTP server for PXE network boot")
	fmt.Println("Usage:")
	fmt.Println("  pxetftpd [options] ROOT")
	fmt.Println()
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("If -l is omitted the server discovers a LAN-facing address and binds :69.")
}
