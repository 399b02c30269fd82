// Package orchestration provides the daemon assembly.
//
// Server wires the full orchestration core against Redis: stores,
// event fabric, scheduler, HITL gate, workflow engine, and the HTTP
// and WebSocket surfaces. It owns component lifecycle: storage
// connectivity is verified before anything starts, and shutdown stops
// intake first so in-flight work can drain.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ensembleworks/ensemble/core"
)

// Server is the assembled orchestration daemon.
type Server struct {
	config *core.Config
	logger core.Logger

	client    *core.RedisClient
	bus       *Bus
	gate      *Gate
	scheduler *Scheduler
	engine    *Engine
	registry  *ExecutorRegistry
	defs      *DefinitionRegistry

	httpServer    *http.Server
	sweeperCancel context.CancelFunc
}

// ServerOption configures the server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	registry *ExecutorRegistry
	defs     *DefinitionRegistry
	policy   PhasePolicy
}

// WithExecutors installs the agent executor registry. Without it only
// the built-in gate executor is available.
func WithExecutors(registry *ExecutorRegistry) ServerOption {
	return func(c *serverConfig) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithDefinitions installs pre-loaded workflow definitions.
func WithDefinitions(defs *DefinitionRegistry) ServerOption {
	return func(c *serverConfig) {
		if defs != nil {
			c.defs = defs
		}
	}
}

// WithPhasePolicy installs the pre-execution phase policy.
func WithPhasePolicy(policy PhasePolicy) ServerOption {
	return func(c *serverConfig) {
		if policy != nil {
			c.policy = policy
		}
	}
}

// NewServer assembles the daemon. It verifies Redis connectivity;
// a failure here means storage is unreachable.
func NewServer(config *core.Config, opts ...ServerOption) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required: %w", core.ErrMissingConfiguration)
	}

	sc := &serverConfig{
		registry: NewExecutorRegistry(),
		defs:     NewDefinitionRegistry(),
	}
	for _, opt := range opts {
		opt(sc)
	}

	logger := core.NewProductionLogger(config.Logging, config.Development, config.ServiceName)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  config.Redis.URL,
		DB:        config.Redis.DB,
		Namespace: config.Redis.KeyPrefix,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("redis unavailable: %w", core.ErrStorageUnavailable)
	}

	eventLog := NewRedisEventLog(client,
		WithEventLogLogger(logger),
		WithEventRetention(config.Events.RetentionTTL))
	bus := NewBus(eventLog,
		WithBusLogger(logger),
		WithQueueHighWater(config.Events.SubscriberQueueSize))

	artifacts := NewRedisContextStore(client, WithContextStoreLogger(logger))
	tasks := NewRedisTaskStore(client, WithTaskStoreLogger(logger))
	projects := NewRedisProjectStore(client, WithProjectStoreLogger(logger))
	runs := NewRedisRunStore(client, WithRunStoreLogger(logger))
	hitlStore := NewRedisHITLStore(client, WithHITLStoreLogger(logger))

	queueBreaker := core.NewCircuitBreaker("task-queue", core.CircuitBreakerConfig{}, logger)
	queue := NewRedisTaskQueue(client,
		WithTaskQueueLogger(logger),
		WithTaskQueueCircuitBreaker(queueBreaker))

	gateOpts := []GateOption{WithGateLogger(logger)}
	if sc.policy != nil {
		gateOpts = append(gateOpts, WithGatePolicy(sc.policy))
	}
	gate := NewGate(hitlStore, tasks, queue, artifacts, bus, config.HITL, gateOpts...)

	scheduler := NewScheduler(queue, tasks, projects, artifacts, sc.registry, gate, bus,
		config.Scheduler, WithSchedulerLogger(logger))
	gate.SetCanceller(scheduler)

	engine := NewEngine(runs, sc.defs, projects, tasks, artifacts, scheduler, gate, bus,
		WithEngineLogger(logger))

	s := &Server{
		config:    config,
		logger:    logger,
		client:    client,
		bus:       bus,
		gate:      gate,
		scheduler: scheduler,
		engine:    engine,
		registry:  sc.registry,
		defs:      sc.defs,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.HTTP.Port),
		Handler:      s.buildMux(tasks, projects, eventLog),
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
	}
	return s, nil
}

func (s *Server) buildMux(tasks core.TaskStore, projects core.ProjectStore, eventLog EventLog) *http.ServeMux {
	mux := http.NewServeMux()
	NewTaskAPIHandler(s.engine, s.scheduler, projects, tasks, s.logger).RegisterRoutes(mux)
	NewHITLAPIHandler(s.gate, tasks, s.client, s.logger).RegisterRoutes(mux)
	NewAuditAPIHandler(eventLog, s.logger).RegisterRoutes(mux)
	NewEventStreamHandler(s.bus, s.logger).RegisterRoutes(mux)
	return mux
}

// Engine exposes the workflow engine, mainly for embedding callers.
func (s *Server) Engine() *Engine { return s.engine }

// Scheduler exposes the task scheduler.
func (s *Server) Scheduler() *Scheduler { return s.scheduler }

// Gate exposes the HITL gate.
func (s *Server) Gate() *Gate { return s.gate }

// Registry exposes the executor registry for agent registration.
func (s *Server) Registry() *ExecutorRegistry { return s.registry }

// Definitions exposes the workflow definition registry.
func (s *Server) Definitions() *DefinitionRegistry { return s.defs }

// Run starts all components and serves HTTP until ctx is cancelled.
// It blocks; the returned error is nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := s.engine.Start(ctx); err != nil {
		s.scheduler.Stop()
		return fmt.Errorf("failed to start workflow engine: %w", err)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	s.sweeperCancel = cancelSweep
	go s.gate.RunSweeper(sweepCtx)

	s.logger.Info("Ensemble daemon listening", map[string]interface{}{
		"operation": "server.Run",
		"addr":      s.httpServer.Addr,
		"workers":   s.config.Scheduler.WorkerCount,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-errCh:
		s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	}
}

// shutdown stops intake first (HTTP), then drains workers and run
// drivers, then closes storage.
func (s *Server) shutdown() {
	s.logger.Info("Shutting down", map[string]interface{}{
		"operation": "server.shutdown",
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown did not complete cleanly", map[string]interface{}{
			"operation": "server.shutdown",
			"error":     err.Error(),
		})
	}

	if s.sweeperCancel != nil {
		s.sweeperCancel()
	}
	s.engine.Stop()
	s.scheduler.Stop()

	if err := s.client.Close(); err != nil {
		s.logger.Warn("Redis close failed", map[string]interface{}{
			"operation": "server.shutdown",
			"error":     err.Error(),
		})
	}

	// Give late log writes a moment to flush
	time.Sleep(50 * time.Millisecond)
}
