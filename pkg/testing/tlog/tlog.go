package tlog

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/walteh/bootsnap/pkg/logging"
)

// testWriter forwards complete lines to t.Log so output is attributed to the
// running test and dropped for passing tests unless -v is set.
type testWriter struct {
	t  testing.TB
	mu sync.Mutex
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.t.Helper()
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func SetupSlogForTestWithContext(t testing.TB, ctx context.Context) context.Context {
	color := false
	return logging.Setup(ctx, &testWriter{t: t}, logging.Options{
		Level:       slog.LevelDebug,
		ProcessName: t.Name(),
		Color:       &color,
	})
}

func SetupSlogForTest(t testing.TB) context.Context {
	return SetupSlogForTestWithContext(t, t.Context())
}
