// Package console scans a live output stream for patterns while mirroring
// every byte to a sink.
package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/bootsnap/pkg/ext/iox"
)

var (
	ErrTimeout      = errors.New("timed out")
	ErrStreamClosed = errors.New("stream closed before pattern matched")
)

const (
	DefaultTimeout      = 180 * time.Second
	DefaultSearchWindow = 1 << 20
	defaultReadSize     = 4096
)

// Match is the result of a successful Expect.
type Match struct {
	Pattern Pattern
	// Before holds the unconsumed bytes that preceded the match.
	Before []byte
	Text   []byte
}

type Option func(*Scanner)

func WithTimeout(d time.Duration) Option { return func(s *Scanner) { s.timeout = d } }

// WithSearchWindow caps how many bytes the current wait has already scanned
// without a match are kept behind its scan position. Bytes not yet scanned are
// never dropped. Dropped bytes have already been mirrored.
func WithSearchWindow(n int) Option { return func(s *Scanner) { s.window = n } }

func WithReadSize(n int) Option { return func(s *Scanner) { s.readSize = n } }

// Scanner owns the read side of a stream. A single pump goroutine reads the
// stream, writes each chunk to the sink and then appends it to the scan
// buffer, so a byte is mirrored exactly once and before any Expect can
// consume it. Only one Expect or ExpectEOF may be outstanding at a time.
type Scanner struct {
	sink     *iox.WriteCounter
	timeout  time.Duration
	window   int
	readSize int

	mu      sync.Mutex
	buf     []byte
	scanned int
	discard bool
	closed  bool
	readErr error

	notify chan struct{}
	done   chan struct{}
}

// NewScanner starts pumping r into sink. The pump stops when r returns an
// error; io.EOF is treated as a clean end of stream.
func NewScanner(r io.Reader, sink io.Writer, opts ...Option) *Scanner {
	if sink == nil {
		sink = io.Discard
	}
	s := &Scanner{
		sink:     iox.NewWriteCounter(sink),
		timeout:  DefaultTimeout,
		window:   DefaultSearchWindow,
		readSize: defaultReadSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readSize <= 0 {
		s.readSize = defaultReadSize
	}
	go s.pump(r)
	return s
}

func (s *Scanner) pump(r io.Reader) {
	defer close(s.done)

	chunk := make([]byte, s.readSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if _, werr := s.sink.Write(chunk[:n]); werr != nil {
				s.finish(errors.Errorf("mirroring output: %w", werr))
				return
			}
			s.append(chunk[:n])
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *Scanner) append(p []byte) {
	s.mu.Lock()
	if !s.discard {
		s.buf = append(s.buf, p...)
		if drop := s.scanned - s.window; s.window > 0 && drop > 0 {
			s.buf = append([]byte(nil), s.buf[drop:]...)
			s.scanned -= drop
		}
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scanner) finish(err error) {
	s.mu.Lock()
	s.closed = true
	if !errors.Is(err, io.EOF) {
		s.readErr = err
	}
	s.mu.Unlock()
}

// Expect blocks until p matches the unconsumed stream, the stream closes, the
// timeout elapses or ctx is done. On a match everything up to and including
// the match is consumed. A non-positive timeout uses the scanner default.
func (s *Scanner) Expect(ctx context.Context, p Pattern, timeout time.Duration) (*Match, error) {
	if timeout <= 0 {
		timeout = s.timeout
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	s.mu.Lock()
	s.scanned = 0
	s.mu.Unlock()

	for {
		m, ok, err := s.tryMatch(p)
		if ok {
			if m != nil {
				slog.DebugContext(ctx, "pattern matched", "pattern", p.String(), "skipped", len(m.Before), "elapsed", time.Since(start))
			}
			return m, err
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-timer.C:
			return nil, errors.Errorf("%w: waiting for %s after %s", ErrTimeout, p, time.Since(start).Round(time.Millisecond))
		case <-ctx.Done():
			return nil, errors.Errorf("waiting for %s: %w", p, ctx.Err())
		}
	}
}

func (s *Scanner) tryMatch(p Pattern) (*Match, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start, end, ok := p.Find(s.buf); ok {
		m := &Match{
			Pattern: p,
			Before:  bytes.Clone(s.buf[:start]),
			Text:    bytes.Clone(s.buf[start:end]),
		}
		s.buf = s.buf[end:]
		s.scanned = 0
		return m, true, nil
	}
	s.scanned = len(s.buf)

	if s.closed {
		if s.readErr != nil {
			return nil, true, errors.Errorf("%w: waiting for %s: %s", ErrStreamClosed, p, s.readErr)
		}
		return nil, true, errors.Errorf("%w: waiting for %s", ErrStreamClosed, p)
	}

	return nil, false, nil
}

// ExpectEOF blocks until the stream ends. Anything left unread, and anything
// arriving from now on, is mirrored but no longer kept for scanning. A clean
// end of stream is success regardless of how the producer exited.
func (s *Scanner) ExpectEOF(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.timeout
	}

	s.mu.Lock()
	s.discard = true
	s.buf = nil
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		return errors.Errorf("%w: waiting for end of stream after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return errors.Errorf("waiting for end of stream: %w", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return errors.Errorf("reading stream: %w", s.readErr)
	}
	return nil
}

// Mirrored reports how many bytes have been written to the sink.
func (s *Scanner) Mirrored() int64 { return s.sink.Count() }

// Done is closed once the pump has stopped.
func (s *Scanner) Done() <-chan struct{} { return s.done }

// Pending returns a copy of the bytes read but not yet consumed by a match.
func (s *Scanner) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf)
}
