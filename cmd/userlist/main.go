package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/userlist/userlist/internal/shell"
	"github.com/userlist/userlist/pkg/client"
	"github.com/userlist/userlist/pkg/codec"
	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/stream"
)

const Version = "0.1.0"

const (
	DefaultURL   = "http://localhost:8080"
	DefaultCodec = codec.NameJSON
	DefaultLog   = "warn"
)

const closeTimeout = 3 * time.Second

func usage() string {
	return fmt.Sprintf(`Keep a list of users in sync with a remote authority.

Commands are read from standard input, one per line. Type help for the list.

Usage:
    userlist [--url=<url>] [--codec=<codec>] [--log=<level>] [--log-file=<path>]
        [--ignore-locks] [--reconnect]
    userlist -h | --help
    userlist --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --url=<url>           Authority base URL, http(s) or ws(s) [default: %s].
    --codec=<codec>       Change feed encoding, json or cbor [default: %s].
    --log=<level>         Log level: debug, info, warn, error [default: %s].
    --log-file=<path>     Append logs to a file instead of stderr.
    --ignore-locks        Edit and delete records even when locked elsewhere.
    --reconnect           Redial the change feed with backoff when it drops.

Environment:
    USERLIST_URL, USERLIST_CODEC and USERLIST_LOG override the defaults above.`,
		GetEnvOrDefault("USERLIST_URL", DefaultURL),
		GetEnvOrDefault("USERLIST_CODEC", DefaultCodec),
		GetEnvOrDefault("USERLIST_LOG", DefaultLog),
	)
}

type options struct {
	URL         *url.URL
	Codec       codec.Codec
	LogLevel    zerolog.Level
	LogFile     string
	IgnoreLocks bool
	Reconnect   bool
}

func parseOptions(opts docopt.Opts) (*options, error) {
	var (
		o   options
		err error
	)

	rawURL, _ := opts.String("--url")
	if o.URL, err = url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid --url: %w", err)
	}

	codecName, _ := opts.String("--codec")
	if o.Codec, err = codec.ByName(codecName); err != nil {
		return nil, err
	}

	level, _ := opts.String("--log")
	if o.LogLevel, err = zerolog.ParseLevel(level); err != nil {
		return nil, fmt.Errorf("invalid --log: %w", err)
	}

	o.LogFile, _ = opts.String("--log-file")
	o.IgnoreLocks, _ = opts.Bool("--ignore-locks")
	o.Reconnect, _ = opts.Bool("--reconnect")

	return &o, nil
}

func main() {
	opts, err := docopt.ParseArgs(usage(), os.Args[1:], Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	o, err := parseOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(o *options) error {
	build := logger.NewBuild().Level(o.LogLevel)
	if o.LogFile != "" {
		build = build.FromPath(o.LogFile)
	} else {
		build = build.Console(term.IsTerminal(int(os.Stderr.Fd())))
	}
	log, err := build.Make()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer log.Close()

	cfg, err := client.NewConfig(o.URL)
	if err != nil {
		return err
	}
	cfg.Codec = o.Codec
	cfg.IgnoreLocks = o.IgnoreLocks
	cfg.Logger = log
	if o.Reconnect {
		cfg.Retryer = stream.NewExponentialBackoffRetryer()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An interrupt ends the shell only. The client keeps its feed so that the
	// deferred Close can still release an open edit.
	c := client.New(*cfg)
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Warn("userlist did not shut down cleanly", "error", err)
		}
	}()

	err = shell.New(c, os.Stdout, log).Run(ctx, os.Stdin)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
