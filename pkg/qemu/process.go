// Package qemu runs a virtual machine process and exposes its console as a
// scannable, mirrored stream.
package qemu

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/hashicorp/go-multierror"
	"github.com/kballard/go-shellquote"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/walteh/bootsnap/pkg/console"
)

var ErrSpawn = errors.New("spawning process")

const reapTimeout = 5 * time.Second

type options struct {
	pty         bool
	scannerOpts []console.Option
}

type Option func(*options)

// WithPTY selects between a pseudo-terminal (the default, which is what QEMU
// expects for a -nographic serial console) and a plain pipe carrying merged
// stdout and stderr.
func WithPTY(enabled bool) Option { return func(o *options) { o.pty = enabled } }

func WithScannerOptions(opts ...console.Option) Option {
	return func(o *options) { o.scannerOpts = append(o.scannerOpts, opts...) }
}

// ParseCommandLine splits a command line using POSIX shell quoting rules.
// Inside double quotes a backslash is only special before $ ` " \ and a
// newline, so Windows style paths and printf escapes pass through intact.
func ParseCommandLine(commandLine string) ([]string, error) {
	args, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Errorf("%w: parsing command line %q: %s", ErrSpawn, commandLine, err)
	}
	if len(args) == 0 {
		return nil, errors.Errorf("%w: empty command line", ErrSpawn)
	}
	return args, nil
}

// Process is a running child whose combined output is mirrored to a sink and
// can be waited on with Expect and ExpectEOF.
type Process struct {
	cmd     *exec.Cmd
	output  io.Closer
	scanner *console.Scanner

	exited  chan struct{}
	exitErr error
}

// Spawn starts commandLine. Every byte the child writes is copied to sink as
// it arrives.
func Spawn(ctx context.Context, commandLine string, sink io.Writer, opts ...Option) (*Process, error) {
	o := &options{pty: true}
	for _, opt := range opts {
		opt(o)
	}

	args, err := ParseCommandLine(commandLine)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)

	var (
		stream io.Reader
		closer io.Closer
	)
	if o.pty {
		master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
		if err != nil {
			return nil, errors.Errorf("%w: starting %s under a pty: %s", ErrSpawn, args[0], err)
		}
		stream, closer = ptyReader{master}, master
	} else {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, errors.Errorf("%w: creating output pipe: %s", ErrSpawn, err)
		}
		cmd.Stdout = w
		cmd.Stderr = w
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			r.Close()
			w.Close()
			return nil, errors.Errorf("%w: starting %s: %s", ErrSpawn, args[0], err)
		}
		// the child holds its own copy; EOF arrives once every writer is gone
		w.Close()
		stream, closer = r, r
	}

	p := &Process{
		cmd:     cmd,
		output:  closer,
		scanner: console.NewScanner(stream, sink, o.scannerOpts...),
		exited:  make(chan struct{}),
	}

	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()

	slog.DebugContext(ctx, "process started", "pid", cmd.Process.Pid, "argv0", args[0], "args", len(args)-1, "pty", o.pty)

	return p, nil
}

// ptyReader reports the EIO a Linux pty master returns after the last slave
// descriptor closes as a normal end of stream.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && errors.Is(err, unix.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *Process) Expect(ctx context.Context, pattern console.Pattern, timeout time.Duration) (*console.Match, error) {
	return p.scanner.Expect(ctx, pattern, timeout)
}

func (p *Process) ExpectEOF(ctx context.Context, timeout time.Duration) error {
	return p.scanner.ExpectEOF(ctx, timeout)
}

// Mirrored reports how many console bytes have been copied to the sink.
func (p *Process) Mirrored() int64 { return p.scanner.Mirrored() }

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the result of waiting on the child. It is only meaningful
// after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// Wait blocks until the child is reaped or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill sends SIGKILL to the child's process group.
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	pid := p.cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return errors.Errorf("killing process %d: %w", pid, kerr)
		}
	}
	return nil
}

// Close reaps the child and releases the output stream. A child still running
// is killed, after a grace period if its output has already ended.
func (p *Process) Close() error {
	var result *multierror.Error

	// a child that already closed its console is usually on its way out
	select {
	case <-p.scanner.Done():
		select {
		case <-p.exited:
		case <-time.After(reapTimeout):
		}
	default:
	}

	if err := p.Kill(); err != nil {
		result = multierror.Append(result, err)
	}

	select {
	case <-p.exited:
	case <-time.After(reapTimeout):
		result = multierror.Append(result, errors.Errorf("process %d not reaped after %s", p.Pid(), reapTimeout))
	}

	if err := p.output.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		result = multierror.Append(result, errors.Errorf("closing output: %w", err))
	}

	return result.ErrorOrNil()
}
