// Package bootsnap drives a virtual machine from power-on to a booted shell
// and asks its monitor to save a snapshot of that state.
package bootsnap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walteh/bootsnap/pkg/console"
	"github.com/walteh/bootsnap/pkg/logging"
	"github.com/walteh/bootsnap/pkg/monitor"
)

// Process is the running machine as seen through its console.
type Process interface {
	Expect(ctx context.Context, pattern console.Pattern, timeout time.Duration) (*console.Match, error)
	ExpectEOF(ctx context.Context, timeout time.Duration) error
	Close() error
}

// Channel is the out-of-band control connection to the machine's monitor.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
}

type Runner struct {
	// Spawn starts the machine. It is called exactly once.
	Spawn func(ctx context.Context) (Process, error)
	// Connect opens the monitor channel. It runs alongside the milestone
	// waits and must have succeeded before the snapshot is requested.
	Connect func(ctx context.Context) (Channel, error)

	Reporter   *Reporter
	Milestones []Milestone

	Timeout     time.Duration
	EOFTimeout  time.Duration
	SnapshotTag string

	// KillOnFailure kills and reaps the machine when Run fails. When false
	// the machine is left running for inspection.
	KillOnFailure bool

	OnTransition func(from, to State)

	mu    sync.Mutex
	state State
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) transition(ctx context.Context, to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	hook := r.OnTransition
	r.mu.Unlock()

	if from == to {
		return
	}

	slog.DebugContext(ctx, "state transition", "from", from.String(), "to", to.String())
	if hook != nil {
		hook(from, to)
	}
}

func (r *Runner) fail(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{State: r.State(), Err: err}
}

// Run executes the protocol once. Every failure is final.
func (r *Runner) Run(ctx context.Context) (err error) {
	if r.Spawn == nil || r.Connect == nil {
		return errors.New("runner needs both Spawn and Connect")
	}
	if r.Reporter == nil {
		r.Reporter = NewReporter(nil)
	}
	milestones := r.Milestones
	if milestones == nil {
		milestones = DefaultMilestones()
	}
	tag := r.SnapshotTag
	if tag == "" {
		tag = "booted"
	}

	ctx = logging.WithAttrs(ctx, "session", xid.New().String())
	start := time.Now()

	payload, err := monitor.SavevmAndQuit(tag)
	if err != nil {
		return r.fail(err)
	}

	r.mu.Lock()
	r.state = StateStarting
	r.mu.Unlock()

	proc, err := r.Spawn(ctx)
	if err != nil {
		return r.fail(err)
	}
	defer func() {
		if err != nil && !r.KillOnFailure {
			slog.WarnContext(ctx, "leaving machine running after failure", "state", r.State().String())
			return
		}
		if cerr := proc.Close(); cerr != nil {
			slog.WarnContext(ctx, "cleaning up machine", "error", cerr)
		}
	}()

	var channel Channel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := r.Connect(gctx)
		if err != nil {
			// the boot may be at any milestone by now, the dial is not part of it
			return &ConnectError{Err: err}
		}
		channel = ch
		return nil
	})
	g.Go(func() error {
		return r.awaitMilestones(gctx, proc, milestones)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	r.transition(ctx, StateSnapshotRequested)
	r.Reporter.Status("Requesting savevm and quit")
	if err := channel.Send(ctx, payload); err != nil {
		return r.fail(err)
	}

	r.transition(ctx, StateAwaitingExit)
	r.Reporter.Status("Waiting for EOF...")
	if err := proc.ExpectEOF(ctx, r.EOFTimeout); err != nil {
		return r.fail(err)
	}

	r.transition(ctx, StateDone)
	r.Reporter.Status("Done!")

	attrs := []any{"tag", tag, "elapsed", time.Since(start).Round(time.Millisecond)}
	if m, ok := proc.(interface{ Mirrored() int64 }); ok {
		attrs = append(attrs, "console", humanize.Bytes(uint64(m.Mirrored())))
	}
	slog.InfoContext(ctx, "snapshot saved", attrs...)

	return nil
}

func (r *Runner) awaitMilestones(ctx context.Context, proc Process, milestones []Milestone) error {
	for _, m := range milestones {
		r.transition(ctx, m.State)
		if _, err := proc.Expect(ctx, m.Pattern, r.Timeout); err != nil {
			return r.fail(err)
		}
		r.Reporter.Milestone(m.Message)
	}
	return nil
}
