// Package config holds the tunables of a boot-to-snapshot run.
package config

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"
	"unicode"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/walteh/bootsnap/pkg/logging"
)

type Config struct {
	// Timeout bounds each milestone wait.
	Timeout time.Duration `yaml:"timeout"`
	// EOFTimeout bounds the wait for the process to close its console after
	// the snapshot was requested.
	EOFTimeout time.Duration `yaml:"eof_timeout"`

	SocketPollInterval time.Duration `yaml:"socket_poll_interval"`
	SocketPollAttempts int           `yaml:"socket_poll_attempts"`
	// StrictSocketWait makes an exhausted socket poll fatal instead of
	// attempting the connection anyway.
	StrictSocketWait bool `yaml:"strict_socket_wait"`

	SnapshotTag string `yaml:"snapshot_tag"`

	PTY           bool `yaml:"pty"`
	KillOnFailure bool `yaml:"kill_on_failure"`

	TranscriptFile      string `yaml:"transcript_file"`
	TranscriptMaxSizeMB int    `yaml:"transcript_max_size_mb"`
	TranscriptBackups   int    `yaml:"transcript_backups"`

	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Timeout:             180 * time.Second,
		EOFTimeout:          180 * time.Second,
		SocketPollInterval:  100 * time.Millisecond,
		SocketPollAttempts:  600,
		SnapshotTag:         "booted",
		PTY:                 true,
		KillOnFailure:       true,
		TranscriptMaxSizeMB: 100,
		TranscriptBackups:   3,
		LogLevel:            "warn",
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Errorf("reading config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Errorf("decoding config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return errors.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.EOFTimeout <= 0:
		return errors.Errorf("eof_timeout must be positive, got %s", c.EOFTimeout)
	case c.SocketPollInterval <= 0:
		return errors.Errorf("socket_poll_interval must be positive, got %s", c.SocketPollInterval)
	case c.SocketPollAttempts < 1:
		return errors.Errorf("socket_poll_attempts must be at least 1, got %d", c.SocketPollAttempts)
	case c.SnapshotTag == "":
		return errors.New("snapshot_tag must not be empty")
	case strings.IndexFunc(c.SnapshotTag, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0:
		return errors.Errorf("snapshot_tag %q contains whitespace or control characters", c.SnapshotTag)
	case c.TranscriptFile != "" && c.TranscriptMaxSizeMB < 1:
		return errors.Errorf("transcript_max_size_mb must be at least 1, got %d", c.TranscriptMaxSizeMB)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// SocketWaitBudget is the longest AwaitSocketPath can block.
func (c Config) SocketWaitBudget() time.Duration {
	return c.SocketPollInterval * time.Duration(c.SocketPollAttempts)
}
