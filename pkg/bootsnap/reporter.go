package bootsnap

import (
	"fmt"
	"io"
	"sync"
)

const milestonePrefix = "===> "

// Reporter writes the human readable progress lines. It must never share a
// stream with the mirrored console.
type Reporter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = io.Discard
	}
	return &Reporter{w: w}
}

func (r *Reporter) Milestone(msg string) {
	r.Status(milestonePrefix + msg)
}

func (r *Reporter) Status(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, msg)
}
