package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meagan/manager"
)

const inspectTimeout = 2 * time.Second

// defaultCommands returns the command table. Order matters: the first entry
// whose words prefix the input wins.
func defaultCommands() []command {
	return []command{
		{usage: "start all", description: "Starts all services.", execute: startAll},
		{usage: "start <serviceName>", description: "Starts a specific service.", execute: startOne},
		{usage: "stop all", description: "Stops all services.", execute: stopAll},
		{usage: "stop <serviceName>", description: "Stops a specific service.", execute: stopOne},
		{usage: "list services", description: "Lists services with their process details.", execute: listServices},
		{usage: "time", description: "Displays the current time.", execute: showTime},
		{usage: "ping", description: "Replies with pong.", execute: ping},
		{usage: "help", description: "Lists the available commands.", execute: help},
		{usage: "exit", description: "Quits the gateway. Running services keep running.", execute: exit},
	}
}

func startAll(c *Console, _ []string) bool {
	started, err := c.supervisor.StartAll()
	for _, e := range multierr.Errors(err) {
		c.logger.Error("failed to start service", zap.Error(e))
	}

	switch {
	case err != nil:
		c.Render(fmt.Sprintf("Started %d service(s), %d failed. See the log for details.", started, len(multierr.Errors(err))))
	case started == 0:
		c.Render("All services are already running.")
	default:
		c.Render(fmt.Sprintf("Starting %d service(s)...", started))
	}
	return false
}

func startOne(c *Console, args []string) bool {
	if len(args) == 0 {
		c.Render("Usage: start <serviceName>")
		return false
	}
	name := args[0]

	outcome, err := c.supervisor.Start(name)
	switch {
	case errors.Is(err, manager.ErrServiceNotFound):
		c.Render(fmt.Sprintf("Unknown service %q.", name))
	case err != nil:
		c.logger.Error("failed to start service", zap.String("service", name), zap.Error(err))
		c.Render(fmt.Sprintf("Failed to start %s: %v", name, err))
	case outcome == manager.OutcomeAlreadyRunning:
		c.Render(fmt.Sprintf("%s is already running.", name))
	case outcome == manager.OutcomeStopped:
		c.Render(fmt.Sprintf("%s was stopped while starting.", name))
	default:
		c.Render(fmt.Sprintf("Starting %s...", name))
	}
	return false
}

func stopAll(c *Console, _ []string) bool {
	stopped, err := c.supervisor.StopAll()
	for _, e := range multierr.Errors(err) {
		c.logger.Error("failed to stop service", zap.Error(e))
	}

	switch {
	case err != nil:
		c.Render(fmt.Sprintf("Stopped %d service(s), %d failed. See the log for details.", stopped, len(multierr.Errors(err))))
	case stopped == 0:
		c.Render("No service is running.")
	default:
		c.Render(fmt.Sprintf("Stopped %d service(s).", stopped))
	}
	return false
}

func stopOne(c *Console, args []string) bool {
	if len(args) == 0 {
		c.Render("Usage: stop <serviceName>")
		return false
	}
	name := args[0]

	outcome, err := c.supervisor.Stop(name)
	switch {
	case errors.Is(err, manager.ErrServiceNotFound):
		c.Render(fmt.Sprintf("Unknown service %q.", name))
	case err != nil:
		c.logger.Error("failed to stop service", zap.String("service", name), zap.Error(err))
		c.Render(fmt.Sprintf("Failed to stop %s: %v", name, err))
	case outcome == manager.OutcomeNotRunning:
		c.Render(fmt.Sprintf("%s is not running.", name))
	default:
		c.Render(fmt.Sprintf("Stopped %s.", name))
	}
	return false
}

func listServices(c *Console, _ []string) bool {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "        %-10s %-12s %-28s %-8s %s\n", "NAME", "STATUS", "ADDRESS", "PID", "MEMORY")

	for _, svc := range c.services.List() {
		pid, memory := "-", "-"
		if svc.PID != 0 {
			pid = fmt.Sprint(svc.PID)

			ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
			info, err := c.supervisor.Inspect(ctx, svc.Name)
			cancel()
			if err != nil {
				c.logger.Debug("failed to inspect service process", zap.String("service", svc.Name), zap.Error(err))
			} else if info.Running {
				memory = formatBytes(info.RSS)
			}
		}
		fmt.Fprintf(&b, "        %-10s %-12s %-28s %-8s %s\n", svc.Name, svc.Status, svc.BaseURL, pid, memory)
	}

	c.renderWith("", b.String())
	return false
}

func showTime(c *Console, _ []string) bool {
	c.Render("Current time: " + c.now().Format(time.RFC1123))
	return false
}

func ping(c *Console, _ []string) bool {
	c.Render("pong")
	return false
}

func help(c *Console, _ []string) bool {
	var b strings.Builder
	b.WriteString("\n        Available commands:\n\n")
	for _, cmd := range c.commands {
		fmt.Fprintf(&b, "        %-22s %s\n", cmd.usage, cmd.description)
	}
	c.renderWith("", b.String())
	return false
}

func exit(c *Console, _ []string) bool {
	c.logger.Info("exit requested from console")
	return true
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
