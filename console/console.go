// Package console is the operator's line-oriented command surface. It
// redraws a status menu after every command and whenever the refresher
// fires.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meagan/manager"
	"meagan/types"
)

// ErrInputClosed is returned by Run when the input reaches EOF.
var ErrInputClosed = errors.New("console input closed")

const (
	title   = "MEAGAN API - GATEWAY"
	version = "v.1.0.0"
)

// Supervisor is the part of the process supervisor the console drives.
type Supervisor interface {
	Start(name string) (manager.Outcome, error)
	Stop(name string) (manager.Outcome, error)
	StartAll() (int, error)
	StopAll() (int, error)
	Inspect(ctx context.Context, name string) (manager.ProcessInfo, error)
}

// Lister provides the services to display.
type Lister interface {
	List() []types.Service
}

// Options configures a Console.
type Options struct {
	Address string // Shown in the menu header
	Clear   bool   // Clear the screen before each redraw
}

type command struct {
	usage       string
	description string
	execute     func(c *Console, args []string) bool // true ends the console
}

// Console reads commands from in and renders to out. Rendering is
// serialized so refreshes fired from other goroutines never interleave.
type Console struct {
	in         io.Reader
	out        io.Writer
	supervisor Supervisor
	services   Lister
	logger     *zap.Logger
	opts       Options
	commands   []command
	now        func() time.Time

	mu sync.Mutex
}

// New creates a Console.
func New(in io.Reader, out io.Writer, supervisor Supervisor, services Lister, logger *zap.Logger, opts Options) *Console {
	c := &Console{
		in:         in,
		out:        out,
		supervisor: supervisor,
		services:   services,
		logger:     logger.Named("console"),
		opts:       opts,
		now:        time.Now,
	}
	c.commands = defaultCommands()
	return c
}

// Run reads and executes commands until the exit command, the end of input
// or ctx is done. It returns nil for the exit command.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- ErrInputClosed
	}()

	c.Render("")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case line := <-lines:
			if exit := c.Execute(line); exit {
				return nil
			}
		}
	}
}

// Execute runs one command line and redraws. It reports true for the exit
// command.
func (c *Console) Execute(line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		c.Render("")
		return false
	}

	c.logger.Debug("command received", zap.String("input", input))

	cmd, args, ok := c.match(input)
	if !ok {
		c.Render(`Unknown command. Type "help" to list the available commands.`)
		return false
	}

	return cmd.execute(c, args)
}

// match finds the first command whose words prefix the input, so that
// "start all" wins over "start".
func (c *Console) match(input string) (command, []string, bool) {
	lower := strings.ToLower(input)
	for _, cmd := range c.commands {
		key := cmd.key()
		if lower == key {
			return cmd, nil, true
		}
		if strings.HasPrefix(lower, key) && len(lower) > len(key) && isSpace(lower[len(key)]) {
			return cmd, strings.Fields(input[len(key):]), true
		}
	}
	return command{}, nil, false
}

func (cmd command) key() string {
	// The key is the usage up to its first placeholder.
	if i := strings.Index(cmd.usage, " <"); i >= 0 {
		return cmd.usage[:i]
	}
	return cmd.usage
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t'
}

// Refresh redraws the menu without a message. It is the refresher callback.
func (c *Console) Refresh() {
	c.Render("")
}

// Render draws the menu, the service statuses, an optional message and the
// prompt.
func (c *Console) Render(message string) {
	c.renderWith(message, "")
}

// renderWith draws the menu with extra text between the message and the
// prompt.
func (c *Console) renderWith(message, extra string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	if c.opts.Clear {
		b.WriteString("\x1b[H\x1b[2J")
	}

	fmt.Fprintf(&b, "\n        %s %s\n\n", title, version)
	fmt.Fprintf(&b, "        ➜    Address: http://localhost%s\n", c.opts.Address)
	b.WriteString("        ➜    Type \"help\" to list the available commands.\n")
	b.WriteString("        ➜    Type \"exit\" to quit.\n\n")
	b.WriteString("        Service status:\n\n")

	services := c.services.List()
	if len(services) == 0 {
		b.WriteString("        ➜    No service discovered yet.\n")
	}
	for _, svc := range services {
		fmt.Fprintf(&b, "        ➜    %-10s: %s\n", svc.Name, svc.Status)
	}

	if message != "" {
		fmt.Fprintf(&b, "\n\n        ➜    %s\n", message)
	}
	b.WriteString(extra)
	b.WriteString("\n> ")

	_, _ = io.WriteString(c.out, b.String())
}
