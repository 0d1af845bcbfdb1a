package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meagan/launcher"
	"meagan/types"
)

// Outcome describes what a start or stop request did.
type Outcome string

const (
	OutcomeStarted        Outcome = "started"
	OutcomeAlreadyRunning Outcome = "already running"
	OutcomeStopped        Outcome = "stopped"
	OutcomeNotRunning     Outcome = "not running"
	OutcomeFailed         Outcome = "failed"
)

// LaunchError reports a service whose process the OS refused to create.
type LaunchError struct {
	Service  string
	Launcher string
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch service %s with %s: %v", e.Service, e.Launcher, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// HealthWatcher is the part of the health monitor the supervisor drives.
type HealthWatcher interface {
	Watch(name string)
	Unwatch(name string)
}

// ProcessInfo is a point-in-time view of a service's process.
type ProcessInfo struct {
	PID        int
	Running    bool
	RSS        uint64  // bytes
	CPUPercent float64 // since process start
}

// Supervisor starts, stops and watches one OS process per service.
type Supervisor struct {
	registry    *Registry
	launcher    launcher.Launcher
	health      HealthWatcher
	refresher   *Refresher
	logger      *zap.Logger
	servicesDir string
	runtime     string

	terminateTimeout time.Duration
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	ServicesDir string
	Runtime     string
}

// NewSupervisor creates a new Supervisor. The launcher is chosen once by the
// caller; the supervisor never inspects the host OS itself.
func NewSupervisor(registry *Registry, l launcher.Launcher, health HealthWatcher, refresher *Refresher, logger *zap.Logger, opts SupervisorOptions) *Supervisor {
	return &Supervisor{
		registry:         registry,
		launcher:         l,
		health:           health,
		refresher:        refresher,
		logger:           logger.Named("supervisor"),
		servicesDir:      opts.ServicesDir,
		runtime:          opts.Runtime,
		terminateTimeout: 5 * time.Second,
	}
}

// Start launches the named service unless it is already starting or
// running, in which case it returns OutcomeAlreadyRunning and spawns nothing.
func (s *Supervisor) Start(name string) (Outcome, error) {
	svc, started, err := s.registry.BeginStart(name)
	if err != nil {
		return OutcomeFailed, err
	}
	if !started {
		s.logger.Info("service already running", zap.String("service", name), zap.String("status", string(svc.Status)))
		return OutcomeAlreadyRunning, nil
	}
	s.refresher.Trigger()

	cmd := s.launcher.Command(launcher.Spec{
		Name:    svc.Name,
		Dir:     s.servicesDir,
		Entry:   svc.Entry,
		Runtime: s.runtime,
		Port:    svc.Port,
	})

	s.logger.Info("launching service",
		zap.String("service", name),
		zap.String("launcher", s.launcher.Name()),
		zap.Strings("args", cmd.Args),
		zap.Int("port", svc.Port))

	if err := cmd.Start(); err != nil {
		s.logger.Error("failed to launch service", zap.String("service", name), zap.Error(err))
		if _, setErr := s.registry.SetStatus(name, types.StatusError); setErr != nil {
			s.logger.Warn("failed to record launch failure", zap.String("service", name), zap.Error(setErr))
		}
		s.health.Unwatch(name)
		s.refresher.Trigger()
		return OutcomeFailed, &LaunchError{Service: name, Launcher: s.launcher.Name(), Err: err}
	}

	attached, err := s.registry.AttachProcess(name, cmd.Process)
	if err != nil || !attached {
		// A stop overwrote this start while the process was being created.
		s.logger.Info("start superseded by stop, terminating new process",
			zap.String("service", name), zap.Int("pid", cmd.Process.Pid))
		s.terminate(name, cmd.Process)
		go s.reap(name, cmd)
		return OutcomeStopped, err
	}

	// Watch before waiting so a fast exit always finds the probe to cancel.
	s.health.Watch(name)
	go s.wait(name, cmd)

	s.logger.Info("service launched", zap.String("service", name), zap.Int("pid", cmd.Process.Pid))
	s.refresher.Trigger()
	return OutcomeStarted, nil
}

// wait blocks until the process exits and applies the exit notification.
func (s *Supervisor) wait(name string, cmd *exec.Cmd) {
	err := cmd.Wait()

	fields := []zap.Field{zap.String("service", name), zap.Int("pid", cmd.Process.Pid)}
	if cmd.ProcessState != nil {
		fields = append(fields, zap.String("state", cmd.ProcessState.String()))
	} else if err != nil {
		fields = append(fields, zap.Error(err))
	}

	probe, current := s.registry.DetachProcess(name, cmd.Process)
	if !current {
		// Stopped, or replaced by a newer process; the registry already moved on.
		s.logger.Debug("exit of released process", fields...)
		return
	}

	probe.Stop()
	s.logger.Info("service exited", fields...)
	s.refresher.Trigger()
}

// reap collects a process the registry never tracked.
func (s *Supervisor) reap(name string, cmd *exec.Cmd) {
	if err := cmd.Wait(); err != nil {
		s.logger.Debug("untracked process exited", zap.String("service", name), zap.Error(err))
	}
}

// Stop asks the service's process to terminate and marks the service Offline
// right away, without waiting for the exit. Monitoring ends in the same step.
// The later exit notification is a no-op. Stopping a service that is not
// running returns OutcomeNotRunning.
func (s *Supervisor) Stop(name string) (Outcome, error) {
	released, stopped, err := s.registry.ReleaseProcess(name)
	if err != nil {
		return OutcomeFailed, err
	}
	if !stopped {
		s.logger.Info("service not running", zap.String("service", name))
		return OutcomeNotRunning, nil
	}

	// The registry already dropped the probe handle, so a probe finishing
	// from here on cannot overwrite Offline.
	released.Probe.Stop()
	if released.Process != nil {
		s.logger.Info("stopping service", zap.String("service", name), zap.Int("pid", released.Process.Pid))
		s.terminate(name, released.Process)
	}

	s.refresher.Trigger()
	return OutcomeStopped, nil
}

// terminate sends the graceful termination request (SIGTERM on unix).
func (s *Supervisor) terminate(name string, proc *os.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), s.terminateTimeout)
	defer cancel()

	p, err := process.NewProcessWithContext(ctx, int32(proc.Pid))
	if err == nil {
		err = p.TerminateWithContext(ctx)
	}
	if err == nil {
		return
	}
	if errors.Is(err, process.ErrorProcessNotRunning) {
		s.logger.Debug("process already gone", zap.String("service", name), zap.Int("pid", proc.Pid))
		return
	}

	s.logger.Warn("graceful termination failed, killing process",
		zap.String("service", name), zap.Int("pid", proc.Pid), zap.Error(err))
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("failed to kill process", zap.String("service", name), zap.Error(err))
	}
}

// StartAll starts every service that has no live process. One failure never
// stops the batch; failures are returned combined. The count is the number
// of services actually started.
func (s *Supervisor) StartAll() (int, error) {
	var errs error
	started := 0
	for _, svc := range s.registry.List() {
		if svc.PID != 0 || svc.Status.IsRunning() {
			continue
		}
		outcome, err := s.Start(svc.Name)
		errs = multierr.Append(errs, err)
		if outcome == OutcomeStarted {
			started++
		}
	}
	return started, errs
}

// StopAll stops every running service, independently of each other.
func (s *Supervisor) StopAll() (int, error) {
	var errs error
	stopped := 0
	for _, svc := range s.registry.List() {
		outcome, err := s.Stop(svc.Name)
		errs = multierr.Append(errs, err)
		if outcome == OutcomeStopped {
			stopped++
		}
	}
	return stopped, errs
}

// Inspect reports on the process currently held for the named service.
func (s *Supervisor) Inspect(ctx context.Context, name string) (ProcessInfo, error) {
	svc, err := s.registry.Get(name)
	if err != nil {
		return ProcessInfo{}, err
	}
	if svc.PID == 0 {
		return ProcessInfo{}, nil
	}

	info := ProcessInfo{PID: svc.PID}
	p, err := process.NewProcessWithContext(ctx, int32(svc.PID))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return info, nil
		}
		return info, fmt.Errorf("failed to inspect process %d: %w", svc.PID, err)
	}

	if info.Running, err = p.IsRunningWithContext(ctx); err != nil {
		return info, fmt.Errorf("failed to inspect process %d: %w", svc.PID, err)
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = cpu
	}
	return info, nil
}
