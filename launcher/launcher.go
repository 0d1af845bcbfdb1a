// Package launcher builds the OS-specific command used to start a service
// unit as a process detached from the gateway.
//
// Three strategies exist: a detached screen session (linux), a new console
// window (windows) and a plain detached child process (everything else).
// One of them is selected at startup with ForOS and the supervisor never
// looks at the host OS again.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Spec is what a launcher needs to know about the unit it starts.
type Spec struct {
	Name    string // Service name, also used as the session name
	Dir     string // Working directory, the services directory
	Entry   string // Unit file name relative to Dir
	Runtime string // Program that runs the unit, e.g. "node"
	Port    int    // Port the unit must listen on
}

// Launcher turns a Spec into a ready-to-start command.
type Launcher interface {
	Name() string
	Command(spec Spec) *exec.Cmd
}

// ForOS returns the launcher for the given GOOS value.
func ForOS(goos string) Launcher {
	switch goos {
	case "linux":
		return Screen{}
	case "windows":
		return ConsoleWindow{}
	default:
		return Detached{}
	}
}

// Screen starts the unit inside a detached screen session named after the
// service. Attach to it with `screen -r <name>`.
type Screen struct{}

func (Screen) Name() string { return "screen" }

func (Screen) Command(spec Spec) *exec.Cmd {
	cmd := exec.Command("screen", "-DmS", spec.Name, spec.Runtime, spec.Entry, strconv.Itoa(spec.Port))
	prepare(cmd, spec)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = detachedAttr()
	return cmd
}

// ConsoleWindow opens a new console window that keeps running the unit.
// The console process is its own group so the gateway's Ctrl-C does not
// reach it.
type ConsoleWindow struct{}

func (ConsoleWindow) Name() string { return "console-window" }

func (ConsoleWindow) Command(spec Spec) *exec.Cmd {
	inner := fmt.Sprintf("%s %s %d", spec.Runtime, spec.Entry, spec.Port)
	cmd := exec.Command("cmd.exe", "/c", "start", "/wait", "cmd.exe", "/k", inner)
	prepare(cmd, spec)
	cmd.SysProcAttr = newGroupAttr()
	return cmd
}

// Detached runs the unit directly in its own process group with stdio
// discarded.
type Detached struct{}

func (Detached) Name() string { return "detached" }

func (Detached) Command(spec Spec) *exec.Cmd {
	cmd := exec.Command(spec.Runtime, spec.Entry, strconv.Itoa(spec.Port))
	prepare(cmd, spec)
	cmd.SysProcAttr = detachedAttr()
	return cmd
}

func prepare(cmd *exec.Cmd, spec Spec) {
	cmd.Dir = spec.Dir
	// PORT takes precedence over anything inherited from the gateway.
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(spec.Port))
}
