package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meagan/api"
	"meagan/config"
	"meagan/console"
	"meagan/health"
	"meagan/launcher"
	"meagan/logging"
	"meagan/manager"
	"meagan/proxy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	code := run(cfg, logger)
	_ = logger.Sync()
	os.Exit(code)
}

// run wires the gateway together and blocks until it should exit. It
// returns the process exit code.
func run(cfg config.Config, logger *zap.Logger) int {
	registry := manager.NewRegistry(manager.RegistryOptions{
		StartPort:   cfg.ServiceStartPort,
		Extension:   cfg.ServiceExtension,
		Host:        cfg.ServiceHost,
		Upgradeable: cfg.UpgradeableServices,
	})

	services, err := registry.Discover(cfg.ServicesDir)
	if err != nil {
		logger.Error("service discovery failed", zap.String("dir", cfg.ServicesDir), zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	for _, svc := range services {
		logger.Info("service discovered",
			zap.String("service", svc.Name),
			zap.Int("port", svc.Port),
			zap.String("base_url", svc.BaseURL),
			zap.String("kind", string(svc.Kind)))
	}

	refresher := manager.NewRefresher(cfg.RefreshDebounceDuration())
	defer refresher.Close()

	monitor := health.NewMonitor(registry, refresher, logger, health.Options{
		Path:       cfg.HealthPath,
		Interval:   cfg.HealthIntervalDuration(),
		GraceDelay: cfg.HealthGraceDelayDuration(),
		Timeout:    cfg.ProbeTimeoutDuration(),
	})
	defer monitor.Close()

	l := launcher.ForOS(runtime.GOOS)
	logger.Info("launch strategy selected", zap.String("launcher", l.Name()), zap.String("os", runtime.GOOS))

	supervisor := manager.NewSupervisor(registry, l, monitor, refresher, logger, manager.SupervisorOptions{
		ServicesDir: cfg.ServicesDir,
		Runtime:     cfg.Runtime,
	})

	router := proxy.NewRouter(registry, refresher, logger, proxy.Options{
		DialTimeout: cfg.ProxyDialTimeoutDuration(),
		Timeout:     cfg.ProxyTimeoutDuration(),
	})

	server := api.NewServer(cfg.Addr(), router, logger)
	if err := server.Start(); err != nil {
		logger.Error("failed to start gateway", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("gateway failed to shut down gracefully", zap.Error(err))
		}
		// Services keep running after the gateway is gone.
		logger.Info("gateway exited")
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := console.New(os.Stdin, os.Stdout, supervisor, registry, logger, console.Options{
		Address: cfg.Addr(),
		Clear:   true,
	})
	refresher.OnRefresh(c.Refresh)

	err = c.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, console.ErrInputClosed):
		// No operator attached: keep serving until signaled.
		logger.Info("console input closed, waiting for a signal")
		<-ctx.Done()
	case ctx.Err() != nil:
		logger.Info("shutdown signal received")
	default:
		logger.Error("console failed", zap.Error(err))
		<-ctx.Done()
	}
	return 0
}
