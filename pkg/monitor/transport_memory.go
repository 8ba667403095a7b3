package monitor

import (
	"context"
	"io"

	"gitlab.com/tozd/go/errors"
)

var _ Transport = &InMemoryTransport{}

// InMemoryTransport hands out one end of an in-process pipe; the other end is
// returned to the caller to play the monitor.
type InMemoryTransport struct {
	client io.ReadWriteCloser
}

func NewInMemoryTransport() (*InMemoryTransport, io.ReadWriteCloser) {
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	client := &pipeReadWriteCloser{
		reader: clientReader,
		writer: clientWriter,
	}

	server := &pipeReadWriteCloser{
		reader: serverReader,
		writer: serverWriter,
	}

	return &InMemoryTransport{client: client}, server
}

// Dial returns the client side of the connection. It can only be used once.
func (t *InMemoryTransport) Dial(context.Context) (io.ReadWriteCloser, error) {
	if t.client == nil {
		return nil, errors.New("connection already used")
	}

	conn := t.client
	t.client = nil
	return conn, nil
}

func (t *InMemoryTransport) String() string { return "memory" }

type pipeReadWriteCloser struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (p *pipeReadWriteCloser) Read(data []byte) (int, error) {
	return p.reader.Read(data)
}

func (p *pipeReadWriteCloser) Write(data []byte) (int, error) {
	return p.writer.Write(data)
}

func (p *pipeReadWriteCloser) Close() error {
	err1 := p.reader.Close()
	err2 := p.writer.Close()

	if err1 != nil {
		return err1
	}
	return err2
}
