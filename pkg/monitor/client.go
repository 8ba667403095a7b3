// Package monitor talks to a virtual machine monitor over a local control
// socket.
package monitor

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrSocketNotFound = errors.New("monitor socket did not appear")
	ErrConnection     = errors.New("connecting to monitor")
)

// AwaitSocketPath checks for path every interval and returns once it exists.
// The first check happens immediately; after attempts failed checks it gives
// up with ErrSocketNotFound.
func AwaitSocketPath(ctx context.Context, path string, interval time.Duration, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		_, err := os.Stat(path)
		if err == nil {
			slog.DebugContext(ctx, "monitor socket appeared", "path", path, "attempt", attempt, "elapsed", time.Since(start))
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			lastErr = err
		}

		if attempt >= attempts {
			if lastErr != nil {
				return errors.Errorf("%w: %s after %d attempts: %s", ErrSocketNotFound, path, attempts, lastErr)
			}
			return errors.Errorf("%w: %s after %d attempts", ErrSocketNotFound, path, attempts)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.Errorf("waiting for monitor socket %s: %w", path, ctx.Err())
		}
	}
}

// Client is a fire-and-forget connection to a monitor: commands are written,
// responses are never read.
type Client struct {
	conn io.ReadWriteCloser
	name string

	mu    sync.Mutex
	sends int
}

func Connect(ctx context.Context, t Transport) (*Client, error) {
	conn, err := t.Dial(ctx)
	if err != nil {
		return nil, errors.Errorf("%w %s: %s", ErrConnection, t, err)
	}

	slog.DebugContext(ctx, "connected to monitor", "transport", t.String())

	return &Client{conn: conn, name: t.String()}, nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Send writes payload to the monitor in a single write.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if wd, ok := c.conn.(writeDeadliner); ok {
			if err := wd.SetWriteDeadline(deadline); err != nil {
				return errors.Errorf("setting write deadline: %w", err)
			}
		}
	}

	n, err := c.conn.Write(payload)
	if err != nil {
		return errors.Errorf("writing to monitor %s: %w", c.name, err)
	}
	if n != len(payload) {
		return errors.Errorf("writing to monitor %s: %w", c.name, io.ErrShortWrite)
	}

	c.sends++
	slog.DebugContext(ctx, "sent monitor commands", "transport", c.name, "bytes", n)

	return nil
}

// Sends reports how many successful writes have been made.
func (c *Client) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *Client) Close() error {
	return c.conn.Close()
}
