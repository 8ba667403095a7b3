package console

import (
	"bytes"
	"regexp"
	"strconv"

	"gitlab.com/tozd/go/errors"
)

// Pattern locates the first occurrence of something in a byte buffer.
type Pattern interface {
	Find(b []byte) (start, end int, ok bool)
	String() string
}

type literal string

// String matches s byte for byte.
func String(s string) Pattern { return literal(s) }

func (l literal) Find(b []byte) (int, int, bool) {
	i := bytes.Index(b, []byte(l))
	if i < 0 {
		return 0, 0, false
	}
	return i, i + len(l), true
}

func (l literal) String() string { return strconv.Quote(string(l)) }

type expr struct {
	re *regexp.Regexp
}

// Regexp compiles a regular expression pattern. Matching is leftmost-first
// against the unconsumed part of the stream.
func Regexp(s string) (Pattern, error) {
	re, err := regexp.Compile(s)
	if err != nil {
		return nil, errors.Errorf("compiling pattern %q: %w", s, err)
	}
	return expr{re: re}, nil
}

func MustRegexp(s string) Pattern {
	p, err := Regexp(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (e expr) Find(b []byte) (int, int, bool) {
	loc := e.re.FindIndex(b)
	if loc == nil {
		return 0, 0, false
	}
	return loc[0], loc[1], true
}

func (e expr) String() string { return "/" + e.re.String() + "/" }
