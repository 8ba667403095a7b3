package bootsnap

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/bootsnap/pkg/config"
	"github.com/walteh/bootsnap/pkg/monitor"
	"github.com/walteh/bootsnap/pkg/testing/tlog"
	"github.com/walteh/bootsnap/pkg/testing/tstream"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bsnap")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "qemu.sock")
}

func quickConfig() config.Config {
	cfg := config.Default()
	cfg.Timeout = 5 * time.Second
	cfg.EOFTimeout = 5 * time.Second
	cfg.SocketPollInterval = 5 * time.Millisecond
	cfg.SocketPollAttempts = 4
	cfg.PTY = false
	return cfg
}

func TestConnectMonitor(t *testing.T) {
	t.Run("lenient wait still dials", func(t *testing.T) {
		ctx := tlog.SetupSlogForTest(t)

		_, err := connectMonitor(quickConfig(), socketPath(t))(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, monitor.ErrConnection), "got %v", err)
		assert.False(t, errors.Is(err, monitor.ErrSocketNotFound))
	})

	t.Run("strict wait gives up before dialing", func(t *testing.T) {
		ctx := tlog.SetupSlogForTest(t)

		cfg := quickConfig()
		cfg.StrictSocketWait = true
		_, err := connectMonitor(cfg, socketPath(t))(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, monitor.ErrSocketNotFound), "got %v", err)
	})

	t.Run("socket present", func(t *testing.T) {
		ctx := tlog.SetupSlogForTest(t)

		path := socketPath(t)
		l, err := net.Listen("unix", path)
		require.NoError(t, err)
		defer l.Close()

		ch, err := connectMonitor(quickConfig(), path)(ctx)
		require.NoError(t, err)
		require.NotNil(t, ch)
		require.NoError(t, ch.(*monitor.Client).Close())
	})
}

func TestNewQEMURunner_FakeMachine(t *testing.T) {
	ctx := tlog.SetupSlogForTest(t)

	path := socketPath(t)
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(received)
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 0, 64)
		tmp := make([]byte, 64)
		for len(buf) < len("savevm booted\nquit\n") {
			n, err := conn.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if err != nil {
				break
			}
		}
		received <- buf
	}()

	cmdline := `sh -c 'printf "OpenSBI v1.3\n<<< NixOS Stage 1 >>>\n<<< NixOS Stage 2 >>>\nstarting systemd...\nWelcome to NixOS\n[root@encapfn-dev:~]# "; sleep 0.2'`

	stdout := &tstream.SyncBuffer{}
	stderr := &tstream.SyncBuffer{}
	r := NewQEMURunner(quickConfig(), cmdline, path, stdout, stderr)

	require.NoError(t, r.Run(ctx))
	assert.Equal(t, StateDone, r.State())

	select {
	case got := <-received:
		assert.Equal(t, "savevm booted\nquit\n", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never received the payload")
	}

	assert.Contains(t, stdout.String(), "Welcome to NixOS")
	assert.NotContains(t, stdout.String(), "===>")
	assert.Contains(t, stderr.String(), "===> Completed boot, reached shell\nRequesting savevm and quit\nWaiting for EOF...\nDone!\n")
}
