// Package tstream provides scripted byte streams that stand in for a live
// process console in tests.
package tstream

import (
	"io"
	"sync"
)

type step struct {
	data []byte
	gate <-chan struct{}
}

// Script replays writes into a pipe from a background goroutine. The read
// side behaves like a process console: reads block until the script writes,
// and EOF arrives only when the script closes.
type Script struct {
	steps []step

	pr *io.PipeReader
	pw *io.PipeWriter

	closeOnce sync.Once
}

func NewScript() *Script {
	pr, pw := io.Pipe()
	return &Script{pr: pr, pw: pw}
}

func (s *Script) Write(chunks ...string) *Script {
	for _, c := range chunks {
		s.steps = append(s.steps, step{data: []byte(c)})
	}
	return s
}

// WaitFor pauses the script until gate is closed.
func (s *Script) WaitFor(gate <-chan struct{}) *Script {
	s.steps = append(s.steps, step{gate: gate})
	return s
}

// Reader returns the console side of the script.
func (s *Script) Reader() io.Reader { return s.pr }

// Run plays the steps. If closeAtEnd is false the stream stays open after the
// last step until Close is called.
func (s *Script) Run(closeAtEnd bool) *Script {
	go func() {
		for _, st := range s.steps {
			if st.gate != nil {
				<-st.gate
				continue
			}
			if _, err := s.pw.Write(st.data); err != nil {
				return
			}
		}
		if closeAtEnd {
			s.Close()
		}
	}()
	return s
}

func (s *Script) Close() error {
	s.closeOnce.Do(func() { s.pw.Close() })
	return nil
}

// Chunks returns the concatenation of every scripted write.
func (s *Script) Chunks() []byte {
	var out []byte
	for _, st := range s.steps {
		if st.gate == nil {
			out = append(out, st.data...)
		}
	}
	return out
}
