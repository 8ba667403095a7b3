package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/bootsnap/pkg/testing/tstream"
)

const fakeMachine = `sh -c 'printf "OpenSBI v1.3\n<<< NixOS Stage 1 >>>\n<<< NixOS Stage 2 >>>\nstarting systemd...\nWelcome to NixOS\n[root@encapfn-dev:~]# "; sleep 0.2'`

// fakeMonitor listens on a fresh unix socket and returns everything the first
// client writes before closing.
func fakeMonitor(t *testing.T) (string, <-chan string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bsnap")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "qemu.sock")

	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(got)
			return
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var buf bytes.Buffer
		tmp := make([]byte, 64)
		for !bytes.HasSuffix(buf.Bytes(), []byte("quit\n")) {
			n, err := conn.Read(tmp)
			buf.Write(tmp[:n])
			if err != nil {
				break
			}
		}
		got <- buf.String()
	}()

	return path, got
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no arguments", args: nil},
		{name: "missing socket", args: []string{"qemu-system-riscv64 -nographic"}},
		{name: "unknown flag", args: []string{"--frobnicate", "qemu", "/tmp/q.sock"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}

			code := run(t.Context(), tt.args, stdout, stderr)

			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr.String(), "usage: qemu-boot-snapshot")
			assert.Empty(t, stdout.String())
		})
	}
}

func TestRun_InvalidConfiguration(t *testing.T) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	code := run(t.Context(), []string{"--snapshot-tag", "has space", "qemu", "/tmp/q.sock"}, stdout, stderr)

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "invalid configuration")
	assert.Empty(t, stdout.String())
}

func TestRun_SpawnFailure(t *testing.T) {
	stdout := &bytes.Buffer{}
	stderr := &tstream.SyncBuffer{}

	code := run(t.Context(), []string{"--pty=false", "--socket-poll-attempts=1", "/nonexistent/qemu-system-riscv64", "/tmp/q.sock"}, stdout, stderr)

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "Starting")
	assert.Empty(t, stdout.String())
}

func TestRun_Snapshot(t *testing.T) {
	path, got := fakeMonitor(t)
	transcript := filepath.Join(t.TempDir(), "boot.log")

	stdout := &tstream.SyncBuffer{}
	stderr := &tstream.SyncBuffer{}

	code := run(t.Context(), []string{
		"--pty=false",
		"--socket-poll-interval=5ms",
		"--transcript", transcript,
		fakeMachine,
		path,
	}, stdout, stderr)

	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())

	select {
	case payload := <-got:
		assert.Equal(t, "savevm booted\nquit\n", payload)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor received nothing")
	}

	assert.Contains(t, stdout.String(), "[root@encapfn-dev:~]# ")
	assert.NotContains(t, stdout.String(), "===>")
	assert.Contains(t, stderr.String(), "===> OpenSBI boot stage\n")
	assert.Contains(t, stderr.String(), "Done!\n")

	data, err := os.ReadFile(transcript)
	require.NoError(t, err)
	assert.Equal(t, stdout.String(), string(data))
}

func TestRun_ConfigFile(t *testing.T) {
	path, got := fakeMonitor(t)

	cfgPath := filepath.Join(t.TempDir(), "bootsnap.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("snapshot_tag: from-file\npty: false\nsocket_poll_interval: 5ms\n"), 0o644))

	stderr := &tstream.SyncBuffer{}
	code := run(t.Context(), []string{"--config", cfgPath, fakeMachine, path}, io.Discard, stderr)
	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())

	select {
	case payload := <-got:
		assert.Equal(t, "savevm from-file\nquit\n", payload)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor received nothing")
	}
}

func TestRun_FlagOverridesConfigFile(t *testing.T) {
	path, got := fakeMonitor(t)

	cfgPath := filepath.Join(t.TempDir(), "bootsnap.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("snapshot_tag: from-file\npty: false\n"), 0o644))

	stderr := &tstream.SyncBuffer{}
	code := run(t.Context(), []string{"--config", cfgPath, "--snapshot-tag", "from-flag", fakeMachine, path}, io.Discard, stderr)
	require.Equal(t, exitOK, code, "stderr: %s", stderr.String())

	assert.Equal(t, "savevm from-flag\nquit\n", <-got)
}
