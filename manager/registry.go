package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"meagan/types"
)

var (
	// ErrServiceNotFound is returned for names that were not discovered.
	ErrServiceNotFound = errors.New("service not found")
	// ErrAlreadyDiscovered is returned when Discover runs a second time.
	ErrAlreadyDiscovered = errors.New("services already discovered")
)

// DiscoveryError reports a services directory that could not be read.
// The gateway cannot start without it.
type DiscoveryError struct {
	Dir string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover services in %s: %v", e.Dir, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

const maxPort = 65535

// RegistryOptions controls how discovered units become services.
type RegistryOptions struct {
	StartPort   int      // Port of the first discovered service
	Extension   string   // Unit file extension, matched case-insensitively
	Host        string   // Host part of every BaseURL
	Upgradeable []string // Names of services reached over protocol upgrades
}

// ProbeHandle is the health timer handle the registry holds while a service
// is monitored. Stop is safe to call more than once.
type ProbeHandle struct {
	stop func()
	once sync.Once
}

// NewProbeHandle wraps the function that ends one probing loop.
func NewProbeHandle(stop func()) *ProbeHandle {
	return &ProbeHandle{stop: stop}
}

// Stop ends the probing loop behind the handle.
func (h *ProbeHandle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.stop != nil {
			h.stop()
		}
	})
}

// entry is the registry's record for one service. The process and probe
// handles never leave the registry except through the methods below.
type entry struct {
	service types.Service
	process *os.Process
	probe   *ProbeHandle
}

func (e *entry) snapshot() types.Service {
	s := e.service
	s.PID = 0
	if e.process != nil {
		s.PID = e.process.Pid
	}
	s.Probing = e.probe != nil
	return s
}

// Registry is the in-memory catalog of discovered services and their
// runtime state. It is created once at startup and shared by reference with
// the supervisor, the health monitor and the proxy router. Every state
// change happens inside a single critical section.
type Registry struct {
	mu         sync.RWMutex
	opts       RegistryOptions
	services   map[string]*entry // Key: service name
	order      []string          // Discovery order
	discovered bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	return &Registry{
		opts:     opts,
		services: make(map[string]*entry),
	}
}

// Discover scans dir for unit files and registers one Offline service per
// file, assigning ports sequentially from the start port in listing order.
// It can only run once for a registry.
func (r *Registry) Discover(dir string) ([]types.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.discovered {
		return nil, ErrAlreadyDiscovered
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DiscoveryError{Dir: dir, Err: err}
	}

	// Nothing is registered unless the whole directory is usable.
	found := make(map[string]*entry)
	var order []string
	port := r.opts.StartPort
	for _, file := range files {
		ext := filepath.Ext(file.Name())
		if !strings.EqualFold(ext, r.opts.Extension) {
			continue
		}

		// Follows symlinks, like the unit launch itself will.
		info, err := os.Stat(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, &DiscoveryError{Dir: dir, Err: err}
		}
		if !info.Mode().IsRegular() {
			continue
		}

		name := strings.TrimSuffix(file.Name(), ext)
		if name == "" {
			continue
		}
		if port > maxPort {
			return nil, &DiscoveryError{Dir: dir, Err: fmt.Errorf("no port left for %s: ports run out past %d", name, maxPort)}
		}

		found[name] = &entry{service: r.newService(name, file.Name(), port)}
		order = append(order, name)
		port++
	}

	r.services = found
	r.order = order
	r.discovered = true
	return r.listLocked(), nil
}

func (r *Registry) newService(name, file string, port int) types.Service {
	kind := types.KindHTTP
	scheme := "http"
	for _, upgradeable := range r.opts.Upgradeable {
		if upgradeable == name {
			kind = types.KindUpgradeable
			scheme = "ws"
			break
		}
	}

	return types.Service{
		Name:            name,
		Entry:           file,
		Port:            port,
		BaseURL:         fmt.Sprintf("%s://%s:%d", scheme, r.opts.Host, port),
		ProxyPathPrefix: "/" + name,
		Kind:            kind,
		Status:          types.StatusOffline,
	}
}

// Get returns a snapshot of the named service.
func (r *Registry) Get(name string) (types.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.services[name]
	if !ok {
		return types.Service{}, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return e.snapshot(), nil
}

// List returns snapshots of all services in discovery order.
func (r *Registry) List() []types.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []types.Service {
	services := make([]types.Service, 0, len(r.order))
	for _, name := range r.order {
		services = append(services, r.services[name].snapshot())
	}
	return services
}

// BeginStart moves an idle service to Starting. It reports false when the
// service already has a live process or a running status, in which case
// nothing changes.
func (r *Registry) BeginStart(name string) (types.Service, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return types.Service{}, false, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if e.process != nil || e.service.Status.IsRunning() {
		return e.snapshot(), false, nil
	}
	e.service.Status = types.StatusStarting
	return e.snapshot(), true, nil
}

// AttachProcess records the handle of a freshly started process. It reports
// false, leaving the registry untouched, when a stop overwrote the start in
// the meantime.
func (r *Registry) AttachProcess(name string, proc *os.Process) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if e.service.Status == types.StatusOffline || e.process != nil {
		return false, nil
	}
	e.process = proc
	return true, nil
}

// DetachProcess handles an exit notification for proc. When proc is still
// the current handle it is cleared together with the probe handle and the
// service goes Offline. The probe handle is returned for the caller to stop.
// It reports whether the handle matched; notifications for superseded
// processes change nothing.
func (r *Registry) DetachProcess(name string, proc *os.Process) (*ProbeHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok || e.process == nil || e.process != proc {
		return nil, false
	}
	probe := e.probe
	e.process = nil
	e.probe = nil
	e.service.Status = types.StatusOffline
	return probe, true
}

// Release is what ReleaseProcess took away from a service.
type Release struct {
	Process *os.Process  // nil when a start was overwritten before its process existed
	Probe   *ProbeHandle // nil when the service was not monitored
}

// ReleaseProcess takes the process and probe handles away from the service
// and marks it Offline without waiting for the process to exit. A service
// still Starting without a handle is overwritten to Offline as well. The
// returned bool reports whether anything was stopped; when false nothing
// changes.
func (r *Registry) ReleaseProcess(name string) (Release, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return Release{}, false, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if e.process == nil && e.service.Status != types.StatusStarting {
		return Release{}, false, nil
	}
	released := Release{Process: e.process, Probe: e.probe}
	e.process = nil
	e.probe = nil
	e.service.Status = types.StatusOffline
	return released, true, nil
}

// SetStatus sets the status and reports whether it changed.
func (r *Registry) SetStatus(name string, status types.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if e.service.Status == status {
		return false, nil
	}
	e.service.Status = status
	return true, nil
}

// MarkError flips the service to Error and reports whether it changed.
func (r *Registry) MarkError(name string) bool {
	changed, _ := r.SetStatus(name, types.StatusError)
	return changed
}

// AttachProbe stores h as the service's probe handle and returns the handle
// it replaced, if any. The caller stops the previous handle. A service that
// is neither starting nor holding a process is not monitored: the probe is
// refused and the bool is false, so a process that exited before its probe
// was attached cannot be brought back by that probe.
func (r *Registry) AttachProbe(name string, h *ProbeHandle) (*ProbeHandle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	if e.process == nil && e.service.Status != types.StatusStarting {
		return nil, false, nil
	}
	previous := e.probe
	e.probe = h
	return previous, true, nil
}

// DetachProbe clears and returns the service's probe handle.
func (r *Registry) DetachProbe(name string) *ProbeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok {
		return nil
	}
	h := e.probe
	e.probe = nil
	return h
}

// DetachAllProbes clears every probe handle and returns them.
func (r *Registry) DetachAllProbes() []*ProbeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var handles []*ProbeHandle
	for _, e := range r.services {
		if e.probe != nil {
			handles = append(handles, e.probe)
			e.probe = nil
		}
	}
	return handles
}

// ApplyProbe records a probe result. The result is dropped unless h is
// still the service's probe handle, so a probe that raced a stop cannot
// bring the service back. It reports whether the status changed.
func (r *Registry) ApplyProbe(name string, h *ProbeHandle, status types.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.services[name]
	if !ok || h == nil || e.probe != h {
		return false
	}
	if e.service.Status == status {
		return false
	}
	e.service.Status = status
	return true
}
