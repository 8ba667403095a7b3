package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/bootsnap/pkg/bootsnap"
	"github.com/walteh/bootsnap/pkg/config"
	"github.com/walteh/bootsnap/pkg/ext/iox"
	"github.com/walteh/bootsnap/pkg/logging"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)

	err := app.RunContext(ctx, append([]string{app.Name}, args...))
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, bootsnap.ErrUsage):
		fmt.Fprintln(stderr, err)
		return exitUsage
	default:
		fmt.Fprintf(stderr, "%s: %s\n", app.Name, err)
		return exitFailure
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:            "qemu-boot-snapshot",
		Usage:           "boot a VM to its shell prompt and save a snapshot through the QEMU monitor",
		ArgsUsage:       "<qemu command line> <monitor socket>",
		Writer:          stdout,
		ErrWriter:       stderr,
		HideHelpCommand: true,
		// errors are mapped to exit codes by run
		ExitErrHandler: func(*cli.Context, error) {},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return errors.Errorf("%w: %s", bootsnap.ErrUsage, err)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with run settings, flags take precedence",
				EnvVars: []string{"BOOTSNAP_CONFIG"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "how long to wait for each boot milestone",
				EnvVars: []string{"BOOTSNAP_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "eof-timeout",
				Usage:   "how long to wait for the process to exit after quit",
				EnvVars: []string{"BOOTSNAP_EOF_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "socket-poll-interval",
				EnvVars: []string{"BOOTSNAP_SOCKET_POLL_INTERVAL"},
			},
			&cli.IntFlag{
				Name:    "socket-poll-attempts",
				EnvVars: []string{"BOOTSNAP_SOCKET_POLL_ATTEMPTS"},
			},
			&cli.BoolFlag{
				Name:    "strict-socket-wait",
				Usage:   "fail if the monitor socket does not appear instead of trying to connect anyway",
				EnvVars: []string{"BOOTSNAP_STRICT_SOCKET_WAIT"},
			},
			&cli.StringFlag{
				Name:    "snapshot-tag",
				Usage:   "name passed to savevm",
				EnvVars: []string{"BOOTSNAP_SNAPSHOT_TAG"},
			},
			&cli.BoolFlag{
				Name:    "pty",
				Usage:   "run the process under a pseudo-terminal (--pty=false uses pipes)",
				EnvVars: []string{"BOOTSNAP_PTY"},
			},
			&cli.BoolFlag{
				Name:    "keep-on-failure",
				Usage:   "leave the process running when the run fails",
				EnvVars: []string{"BOOTSNAP_KEEP_ON_FAILURE"},
			},
			&cli.StringFlag{
				Name:    "transcript",
				Usage:   "also write the console to this file, rotated by size",
				EnvVars: []string{"BOOTSNAP_TRANSCRIPT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"BOOTSNAP_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "shorthand for --log-level=debug",
				EnvVars: []string{"BOOTSNAP_DEBUG"},
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return bootsnap.ErrUsage
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			ctx := logging.Setup(c.Context, stderr, logging.Options{Level: level, ProcessName: c.App.Name})

			if c.NArg() > 2 {
				slog.WarnContext(ctx, "ignoring extra arguments", "args", c.Args().Slice()[2:])
			}

			return snapshot(ctx, cfg, c.Args().Get(0), c.Args().Get(1), stdout, stderr)
		},
	}
}

// loadConfig layers explicitly set flags over the config file over the defaults.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	if c.IsSet("timeout") {
		cfg.Timeout = c.Duration("timeout")
	}
	if c.IsSet("eof-timeout") {
		cfg.EOFTimeout = c.Duration("eof-timeout")
	}
	if c.IsSet("socket-poll-interval") {
		cfg.SocketPollInterval = c.Duration("socket-poll-interval")
	}
	if c.IsSet("socket-poll-attempts") {
		cfg.SocketPollAttempts = c.Int("socket-poll-attempts")
	}
	if c.IsSet("strict-socket-wait") {
		cfg.StrictSocketWait = c.Bool("strict-socket-wait")
	}
	if c.IsSet("snapshot-tag") {
		cfg.SnapshotTag = c.String("snapshot-tag")
	}
	if c.IsSet("pty") {
		cfg.PTY = c.Bool("pty")
	}
	if c.IsSet("keep-on-failure") {
		cfg.KillOnFailure = !c.Bool("keep-on-failure")
	}
	if c.IsSet("transcript") {
		cfg.TranscriptFile = c.String("transcript")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.Bool("debug") {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func snapshot(ctx context.Context, cfg config.Config, commandLine, socketPath string, stdout, stderr io.Writer) error {
	var transcript io.WriteCloser
	if cfg.TranscriptFile != "" {
		transcript = iox.NewTranscript(cfg.TranscriptFile, cfg.TranscriptMaxSizeMB, cfg.TranscriptBackups)
	}
	// stdout itself is never closed, only the transcript
	sink := iox.NewMultiWriteCloser(stdout, transcript)
	defer func() {
		if err := sink.Close(); err != nil {
			slog.WarnContext(ctx, "closing transcript", "error", err)
		}
	}()

	slog.DebugContext(ctx, "starting run",
		"command", commandLine,
		"socket", socketPath,
		"config", logging.Pretty(cfg),
	)

	return bootsnap.NewQEMURunner(cfg, commandLine, socketPath, sink, stderr).Run(ctx)
}
