// Package health probes running services and keeps their status current.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"meagan/manager"
	"meagan/types"
)

// Options configures a Monitor.
type Options struct {
	Path       string        // Health endpoint path, e.g. "/health"
	Interval   time.Duration // Time between probes
	GraceDelay time.Duration // Wait before the first probe after Watch
	Timeout    time.Duration // Bound on one probe request
}

// Monitor probes each watched service on a fixed interval.
type Monitor struct {
	registry  *manager.Registry
	refresher *manager.Refresher
	client    *http.Client
	logger    *zap.Logger
	opts      Options
}

// NewMonitor creates a new Monitor.
func NewMonitor(registry *manager.Registry, refresher *manager.Refresher, logger *zap.Logger, opts Options) *Monitor {
	return &Monitor{
		registry:  registry,
		refresher: refresher,
		logger:    logger.Named("health"),
		opts:      opts,
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Watch starts probing the named service after the grace delay, replacing
// any probing already in place for it. A service that is neither starting
// nor holding a process is not watched.
func (m *Monitor) Watch(name string) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := manager.NewProbeHandle(cancel)

	previous, attached, err := m.registry.AttachProbe(name, handle)
	if err != nil {
		cancel()
		m.logger.Warn("cannot watch service", zap.String("service", name), zap.Error(err))
		return
	}
	if !attached {
		cancel()
		m.logger.Debug("service no longer running, not watching", zap.String("service", name))
		return
	}
	previous.Stop()

	m.logger.Debug("watching service", zap.String("service", name), zap.Duration("grace_delay", m.opts.GraceDelay))
	go m.run(ctx, name, handle)
}

// Unwatch stops probing the named service. It is safe to call for a service
// that is not watched.
func (m *Monitor) Unwatch(name string) {
	if h := m.registry.DetachProbe(name); h != nil {
		h.Stop()
		m.logger.Debug("stopped watching service", zap.String("service", name))
	}
}

// Close stops probing every service.
func (m *Monitor) Close() {
	for _, h := range m.registry.DetachAllProbes() {
		h.Stop()
	}
	m.client.CloseIdleConnections()
}

func (m *Monitor) run(ctx context.Context, name string, handle *manager.ProbeHandle) {
	grace := time.NewTimer(m.opts.GraceDelay)
	defer grace.Stop()

	select {
	case <-ctx.Done():
		return
	case <-grace.C:
	}

	m.check(ctx, name, handle)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, name, handle)
		}
	}
}

// check runs one probe and applies its result. The refresher only fires when
// the status actually changed.
func (m *Monitor) check(ctx context.Context, name string, handle *manager.ProbeHandle) {
	svc, err := m.registry.Get(name)
	if err != nil {
		m.logger.Warn("watched service disappeared", zap.String("service", name), zap.Error(err))
		return
	}

	status := m.probe(ctx, svc)
	if ctx.Err() != nil {
		// Unwatched while the probe was in flight.
		return
	}

	if m.registry.ApplyProbe(name, handle, status) {
		m.logger.Info("service status changed",
			zap.String("service", name),
			zap.String("from", string(svc.Status)),
			zap.String("to", string(status)))
		m.refresher.Trigger()
	}
}

// probe returns the status a single health check implies for svc.
func (m *Monitor) probe(ctx context.Context, svc types.Service) types.Status {
	// Upgradeable services have no health protocol yet; being watched is
	// taken as being up.
	if svc.Kind == types.KindUpgradeable {
		return types.StatusOnlineUpgraded
	}

	url := svc.BaseURL + m.opts.Path
	start := time.Now()
	if err := m.get(ctx, url); err != nil {
		var statusErr *unhealthyError
		if errors.As(err, &statusErr) {
			m.logger.Warn("health check failed",
				zap.String("service", svc.Name),
				zap.Int("status_code", statusErr.code),
				zap.Duration("duration", time.Since(start)))
			return types.StatusOffline
		}
		m.logger.Error("health check error", zap.String("service", svc.Name), zap.Error(err))
		return types.StatusError
	}

	m.logger.Debug("health check passed", zap.String("service", svc.Name), zap.Duration("duration", time.Since(start)))
	return types.StatusOnline
}

func (m *Monitor) get(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &unhealthyError{code: resp.StatusCode}
	}
	return nil
}

// unhealthyError is a health endpoint that answered with a non-2xx status.
type unhealthyError struct {
	code int
}

func (e *unhealthyError) Error() string {
	return fmt.Sprintf("health endpoint returned HTTP %d", e.code)
}
