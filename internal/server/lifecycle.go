// Package server runs the coordinator's long-lived components (event loop, websocket
// gateway, health endpoint) together and shuts them down in reverse start order.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service and blocks until it is stopped or fails.
	Start() error
	// Stop asks the service to return from Start. It must be safe to call once Start
	// has returned.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle starts a fixed set of named services and stops them in reverse order when
// the process is signalled, the context ends, or any service fails.
type Lifecycle struct {
	logger   *zap.Logger
	services []namedService
	signals  []os.Signal
	mu       sync.Mutex
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service. Services start in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil; Run must not have started.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until shutdown is triggered.
//
// Postcondition: All services are stopped when this method returns. The returned
// error is the first service failure, or nil for a signal or context shutdown.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := make([]namedService, len(l.services))
	copy(services, l.services)
	l.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, l.signals...)
	defer stop()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		go l.runService(ns, errCh)
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	}

	shutdown(l.logger, services)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) runService(ns namedService, errCh chan<- error) {
	l.logger.Info("starting service", zap.String("service", ns.name))
	svcStart := time.Now()
	if err := ns.service.Start(); err != nil {
		l.logger.Error("service failed",
			zap.String("service", ns.name),
			zap.Error(err),
			zap.Duration("uptime", time.Since(svcStart)),
		)
		errCh <- fmt.Errorf("service %s: %w", ns.name, err)
		return
	}
	l.logger.Debug("service returned",
		zap.String("service", ns.name),
		zap.Duration("uptime", time.Since(svcStart)),
	)
}

func shutdown(logger *zap.Logger, services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
