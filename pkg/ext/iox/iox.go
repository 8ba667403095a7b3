package iox

import (
	"io"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// WriteCounter counts the bytes that pass through to the wrapped writer.
// Count is safe to call from any goroutine while writes are in flight.
type WriteCounter struct {
	count atomic.Int64
	w     io.Writer
}

func NewWriteCounter(w io.Writer) *WriteCounter { return &WriteCounter{w: w} }

func (c *WriteCounter) Count() int64 { return c.count.Load() }

func (c *WriteCounter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count.Add(int64(n))
	return n, err
}

// NewTranscript opens a size-rotated file that receives a copy of the boot
// transcript. Rotated files are kept next to path.
func NewTranscript(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		LocalTime:  true,
	}
}

// MultiWriteCloser fans writes out to every writer in order and closes all of
// them on Close. The first write error stops the fan out.
type MultiWriteCloser struct {
	writers []io.Writer
	closers []io.Closer
}

func NewMultiWriteCloser(primary io.Writer, extra ...io.WriteCloser) *MultiWriteCloser {
	m := &MultiWriteCloser{writers: []io.Writer{primary}}
	for _, e := range extra {
		if e == nil {
			continue
		}
		m.writers = append(m.writers, e)
		m.closers = append(m.closers, e)
	}
	return m
}

func (m *MultiWriteCloser) Write(p []byte) (int, error) {
	for _, w := range m.writers {
		n, err := w.Write(p)
		if err != nil {
			return n, err
		}
		if n != len(p) {
			return n, io.ErrShortWrite
		}
	}
	return len(p), nil
}

func (m *MultiWriteCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
