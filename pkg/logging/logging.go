package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/lmittmann/tint"
	slogctx "github.com/veqryn/slog-context"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/term"
)

// Options controls how Setup builds the process logger.
type Options struct {
	Level       slog.Level
	ProcessName string
	// Color forces color on or off. When nil, color is enabled only if w is a terminal.
	Color *bool
}

// Setup installs a tint backed logger writing to w as the slog default and
// returns a context carrying it.
func Setup(ctx context.Context, w io.Writer, opts Options) context.Context {
	color := isTerminal(w)
	if opts.Color != nil {
		color = *opts.Color
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: "2006-01-02 15:04 05.0000",
		AddSource:  opts.Level <= slog.LevelDebug,
		NoColor:    !color,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			return formatErrorStacks(groups, a)
		},
	})

	logger := slog.New(slogctx.NewHandler(handler, &slogctx.HandlerOptions{}))
	if opts.ProcessName != "" {
		logger = logger.With(slog.String("process", opts.ProcessName))
	}
	slog.SetDefault(logger)

	return slogctx.NewCtx(ctx, logger)
}

// WithAttrs adds attrs to every record logged with the returned context,
// whichever logger emits it.
func WithAttrs(ctx context.Context, attrs ...any) context.Context {
	return slogctx.Append(ctx, attrs...)
}

// ParseLevel maps a config string onto a slog level. Unknown values are an error.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, errors.Errorf("parsing log level %q: %w", s, err)
	}
	return lvl, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func packageName(frame runtime.Frame) string {
	lastSlash := strings.LastIndex(frame.Function, "/")
	if lastSlash == -1 {
		return ""
	}
	almost := frame.Function[:lastSlash]
	remaining := frame.Function[lastSlash+1:]
	firstDot := strings.Index(remaining, ".")
	if firstDot == -1 {
		return ""
	}
	return almost + "/" + remaining[:firstDot]
}

func formatErrorStacks(_ []string, a slog.Attr) slog.Attr {
	if a.Key != "error" {
		return a
	}
	err, ok := a.Value.Any().(error)
	if !ok {
		return a
	}
	var terr errors.E
	if !errors.As(err, &terr) {
		return a
	}
	frames := runtime.CallersFrames(terr.StackTrace())
	first, _ := frames.Next()
	if first.Function == "" {
		return a
	}
	pkg := packageName(first)
	a.Value = slog.GroupValue(
		slog.String("msg", err.Error()),
		slog.String("func", strings.TrimPrefix(first.Function, pkg+".")),
		slog.String("package", pkg),
		slog.String("file", fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(first.File)), filepath.Base(first.File), first.Line)),
	)
	return a
}
