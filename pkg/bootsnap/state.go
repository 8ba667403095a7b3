package bootsnap

import (
	"fmt"

	"github.com/walteh/bootsnap/pkg/console"
)

// State is a step of the boot-to-snapshot protocol. States only ever advance.
type State int

const (
	StateStarting State = iota
	StateAwaitingOpenSBI
	StateAwaitingStage1
	StateAwaitingStage2
	StateAwaitingSystemd
	StateAwaitingWelcome
	StateAwaitingShellPrompt
	StateSnapshotRequested
	StateAwaitingExit
	StateDone
)

var stateNames = [...]string{
	StateStarting:            "Starting",
	StateAwaitingOpenSBI:     "AwaitingOpenSBI",
	StateAwaitingStage1:      "AwaitingStage1",
	StateAwaitingStage2:      "AwaitingStage2",
	StateAwaitingSystemd:     "AwaitingSystemd",
	StateAwaitingWelcome:     "AwaitingWelcome",
	StateAwaitingShellPrompt: "AwaitingShellPrompt",
	StateSnapshotRequested:   "SnapshotRequested",
	StateAwaitingExit:        "AwaitingExit",
	StateDone:                "Done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Milestone is one console marker the boot has to pass, in order.
type Milestone struct {
	State   State
	Pattern console.Pattern
	Message string
}

// DefaultMilestones is the NixOS on OpenSBI boot sequence, ending at the root
// shell prompt of the dev image.
func DefaultMilestones() []Milestone {
	return []Milestone{
		{StateAwaitingOpenSBI, console.String("OpenSBI v"), "OpenSBI boot stage"},
		{StateAwaitingStage1, console.String("NixOS Stage 1"), "Reached NixOS Stage 1"},
		{StateAwaitingStage2, console.String("NixOS Stage 2"), "Reached NixOS Stage 2"},
		{StateAwaitingSystemd, console.String("starting systemd..."), "Reached systemd start"},
		{StateAwaitingWelcome, console.String("Welcome to NixOS"), "Completed systemd boot, reached NixOS welcome message"},
		{StateAwaitingShellPrompt, console.String("root@encapfn-dev"), "Completed boot, reached shell"},
	}
}
