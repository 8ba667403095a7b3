package bootsnap

import (
	"context"
	"io"
	"log/slog"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/bootsnap/pkg/config"
	"github.com/walteh/bootsnap/pkg/console"
	"github.com/walteh/bootsnap/pkg/monitor"
	"github.com/walteh/bootsnap/pkg/qemu"
)

// NewQEMURunner wires a Runner that launches commandLine with its console
// mirrored to sink and talks to the human monitor at socketPath. Progress
// lines go to status.
func NewQEMURunner(cfg config.Config, commandLine, socketPath string, sink, status io.Writer) *Runner {
	return &Runner{
		Spawn: func(ctx context.Context) (Process, error) {
			p, err := qemu.Spawn(ctx, commandLine, sink,
				qemu.WithPTY(cfg.PTY),
				qemu.WithScannerOptions(console.WithTimeout(cfg.Timeout)),
			)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Connect:       connectMonitor(cfg, socketPath),
		Reporter:      NewReporter(status),
		Milestones:    DefaultMilestones(),
		Timeout:       cfg.Timeout,
		EOFTimeout:    cfg.EOFTimeout,
		SnapshotTag:   cfg.SnapshotTag,
		KillOnFailure: cfg.KillOnFailure,
	}
}

// connectMonitor waits for the socket to show up and dials it. Unless the
// wait is strict, an exhausted wait is only logged and the dial is attempted
// anyway; a missing socket then surfaces as a connection error.
func connectMonitor(cfg config.Config, socketPath string) func(ctx context.Context) (Channel, error) {
	return func(ctx context.Context) (Channel, error) {
		err := monitor.AwaitSocketPath(ctx, socketPath, cfg.SocketPollInterval, cfg.SocketPollAttempts)
		if err != nil {
			if cfg.StrictSocketWait || !errors.Is(err, monitor.ErrSocketNotFound) {
				return nil, err
			}
			slog.WarnContext(ctx, "monitor socket did not appear, connecting anyway", "path", socketPath, "waited", cfg.SocketWaitBudget())
		}

		c, err := monitor.Connect(ctx, monitor.NewUnixTransport(socketPath))
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
