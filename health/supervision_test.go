package health

import (
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meagan/launcher"
	"meagan/manager"
	"meagan/types"
)

// TestHelperProcess is not a real test. It is the service unit started by
// the supervision tests: it serves /health on 127.0.0.1:$PORT until
// terminated, answering after $HELPER_HEALTH_DELAY when set.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	delay, _ := time.ParseDuration(os.Getenv("HELPER_HEALTH_DELAY"))

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	})
	_ = http.ListenAndServe("127.0.0.1:"+os.Getenv("PORT"), mux)
	time.Sleep(time.Hour)
}

// helperLauncher runs the detached strategy with the unit file replaced by
// the flag selecting TestHelperProcess.
type helperLauncher struct{}

func (helperLauncher) Name() string { return "helper" }

func (helperLauncher) Command(spec launcher.Spec) *exec.Cmd {
	spec.Entry = "-test.run=TestHelperProcess"
	return launcher.Detached{}.Command(spec)
}

type supervision struct {
	registry   *manager.Registry
	supervisor *manager.Supervisor
	opts       Options
}

// newSupervision wires a real supervisor to a real monitor over one unit
// named auth.
func newSupervision(t *testing.T, opts Options) *supervision {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "auth.js"), nil, 0o644))
	r := manager.NewRegistry(manager.RegistryOptions{StartPort: port, Extension: ".js", Host: "127.0.0.1"})
	_, err = r.Discover(dir)
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)

	refresher := manager.NewRefresher(10 * time.Millisecond)
	t.Cleanup(refresher.Close)

	m := newMonitor(t, r, refresher, opts)
	s := manager.NewSupervisor(r, helperLauncher{}, m, refresher, zap.NewNop(), manager.SupervisorOptions{
		ServicesDir: dir,
		Runtime:     exe,
	})
	t.Cleanup(func() { _, _ = s.StopAll() })

	return &supervision{registry: r, supervisor: s, opts: opts}
}

func (s *supervision) get(t *testing.T) types.Service {
	t.Helper()
	svc, err := s.registry.Get("auth")
	require.NoError(t, err)
	return svc
}

func (s *supervision) is(status types.Status) bool {
	svc, err := s.registry.Get("auth")
	return err == nil && svc.Status == status
}

// waitOnline waits for the first healthy probe. One extra interval covers a
// first probe that lands before the unit bound its port.
func (s *supervision) waitOnline(t *testing.T) types.Service {
	t.Helper()
	deadline := s.opts.GraceDelay + 2*s.opts.Interval
	require.Eventually(t, func() bool {
		return s.is(types.StatusOnline)
	}, deadline, 5*time.Millisecond, "auth not online within %s", deadline)
	return s.get(t)
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		exists, err := process.PidExists(int32(pid))
		return err == nil && !exists
	}, 5*time.Second, 10*time.Millisecond, "process %d still alive", pid)
}

func supervisionOptions() Options {
	return Options{
		Path:       "/health",
		Interval:   250 * time.Millisecond,
		GraceDelay: 100 * time.Millisecond,
		Timeout:    time.Second,
	}
}

func TestSupervisedServiceGoesOnline(t *testing.T) {
	s := newSupervision(t, supervisionOptions())

	outcome, err := s.supervisor.Start("auth")
	require.NoError(t, err)
	assert.Equal(t, manager.OutcomeStarted, outcome)

	svc := s.waitOnline(t)
	assert.True(t, svc.Probing)
	assert.NotZero(t, svc.PID)
}

func TestSupervisedServiceKilledExternally(t *testing.T) {
	s := newSupervision(t, supervisionOptions())

	_, err := s.supervisor.Start("auth")
	require.NoError(t, err)
	pid := s.waitOnline(t).PID

	proc, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool {
		svc, err := s.registry.Get("auth")
		return err == nil && svc.Status == types.StatusOffline && !svc.Probing
	}, s.opts.Interval, 5*time.Millisecond)

	// No probe left running brings it back.
	time.Sleep(2 * s.opts.Interval)
	svc := s.get(t)
	assert.Equal(t, types.StatusOffline, svc.Status)
	assert.False(t, svc.Probing)
	assert.Zero(t, svc.PID)

	outcome, err := s.supervisor.Start("auth")
	require.NoError(t, err)
	assert.Equal(t, manager.OutcomeStarted, outcome)
}

func TestStopDuringProbeStaysOffline(t *testing.T) {
	// A slow health endpoint keeps a probe in flight most of the time, so
	// Stop usually lands in the middle of one.
	t.Setenv("HELPER_HEALTH_DELAY", "150ms")
	opts := supervisionOptions()
	opts.Interval = 200 * time.Millisecond
	s := newSupervision(t, opts)

	for i := 0; i < 4; i++ {
		_, err := s.supervisor.Start("auth")
		require.NoError(t, err, "round %d", i)
		// Each probe takes the endpoint delay, so allow more than waitOnline does.
		require.Eventually(t, func() bool {
			return s.is(types.StatusOnline)
		}, 5*time.Second, 5*time.Millisecond, "round %d", i)
		pid := s.get(t).PID

		time.Sleep(time.Duration(i) * 40 * time.Millisecond)
		outcome, err := s.supervisor.Stop("auth")
		require.NoError(t, err)
		require.Equal(t, manager.OutcomeStopped, outcome, "round %d", i)

		time.Sleep(2 * opts.Interval)
		svc := s.get(t)
		assert.Equal(t, types.StatusOffline, svc.Status, "round %d", i)
		assert.False(t, svc.Probing, "round %d", i)
		assert.Zero(t, svc.PID, "round %d", i)

		// The unit port must be free before the next round binds it.
		waitGone(t, pid)
	}

	outcome, err := s.supervisor.Stop("auth")
	require.NoError(t, err)
	assert.Equal(t, manager.OutcomeNotRunning, outcome)
}
