package monitor

import (
	"context"
	"io"
	"net"
	"time"

	"gitlab.com/tozd/go/errors"
)

// Transport establishes the connection to a monitor.
type Transport interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

// UnixTransport dials a stream socket on the local file system, the way QEMU
// exposes `-monitor unix:<path>,server,nowait`.
type UnixTransport struct {
	path        string
	dialTimeout time.Duration
}

func NewUnixTransport(path string) *UnixTransport {
	return &UnixTransport{path: path, dialTimeout: 5 * time.Second}
}

func (t *UnixTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "unix", t.path)
	if err != nil {
		return nil, errors.Errorf("unix dial %s: %w", t.path, err)
	}
	return conn, nil
}

func (t *UnixTransport) String() string { return "unix:" + t.path }

// FunctionTransport adapts a dial function.
type FunctionTransport struct {
	name   string
	dialer func(ctx context.Context) (io.ReadWriteCloser, error)
}

func NewFunctionTransport(name string, dialer func(ctx context.Context) (io.ReadWriteCloser, error)) *FunctionTransport {
	return &FunctionTransport{name: name, dialer: dialer}
}

func (t *FunctionTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return t.dialer(ctx)
}

func (t *FunctionTransport) String() string { return t.name }
