package monitor

import (
	"bytes"
	"strings"
	"unicode"

	"gitlab.com/tozd/go/errors"
)

// Quit is the human monitor command that stops the emulator.
const Quit = "quit"

// Savevm returns the human monitor command that saves the full machine state
// under tag.
func Savevm(tag string) (string, error) {
	if tag == "" {
		return "", errors.New("snapshot tag must not be empty")
	}
	if strings.IndexFunc(tag, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return "", errors.Errorf("snapshot tag %q contains whitespace or control characters", tag)
	}
	return "savevm " + tag, nil
}

// Commands joins monitor commands into one newline terminated payload.
func Commands(cmds ...string) ([]byte, error) {
	var buf bytes.Buffer
	for _, cmd := range cmds {
		if strings.ContainsAny(cmd, "\r\n") {
			return nil, errors.Errorf("monitor command %q spans multiple lines", cmd)
		}
		buf.WriteString(cmd)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// SavevmAndQuit builds the payload that snapshots the machine and then exits.
func SavevmAndQuit(tag string) ([]byte, error) {
	save, err := Savevm(tag)
	if err != nil {
		return nil, err
	}
	return Commands(save, Quit)
}
