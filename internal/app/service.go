package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"escalation/internal/api"
	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/escalation"
	"escalation/internal/ingest"
	"escalation/internal/logging"
	"escalation/internal/metrics"
	"escalation/internal/notify"
	"escalation/internal/notifyqueue"
	"escalation/internal/policy"
	"escalation/internal/state"
	"escalation/internal/timer"
	"escalation/internal/tracing"
)

// listeningFacility is a timer facility that delivers expiries to a handler.
type listeningFacility interface {
	timer.Facility
	Listen(handler timer.Handler) error
}

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable escalation service.
type Service struct {
	source      config.ConfigSource
	cfg         config.Config
	logger      *slog.Logger
	closeLog    func()
	shutdownTr  tracing.Shutdown
	metrics     *metrics.Metrics
	states      state.Store
	policies    policy.Store
	timers      listeningFacility
	notifier    *swappableNotifier
	coordinator *escalation.Coordinator
	httpSrv     *http.Server
	natsSub     interface{ Close() error }
	notifyQ     interface{ Close() error }
	notifyPub   notifyqueue.Producer
	readyFlag   atomic.Bool
	clock       clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}
	if err := service.build(context.Background()); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// build wires backends, coordinator, and transports in dependency order.
func (s *Service) build(ctx context.Context) error {
	shutdownTr, err := tracing.Setup(ctx, s.cfg.Tracing, s.cfg.Service.Name, s.logger)
	if err != nil {
		return err
	}
	s.shutdownTr = shutdownTr

	s.metrics, err = metrics.New()
	if err != nil {
		return err
	}
	if s.states, err = buildStateStore(ctx, s.cfg); err != nil {
		return err
	}
	if s.policies, err = buildPolicyStore(ctx, s.cfg); err != nil {
		return err
	}
	if err := policy.Seed(ctx, s.policies, s.cfg.Policy.Seed); err != nil {
		return err
	}
	if s.timers, err = buildTimerFacility(s.cfg, s.logger); err != nil {
		return err
	}
	if err := s.buildNotifier(); err != nil {
		return err
	}

	s.coordinator, err = escalation.New(escalation.Deps{
		States:   s.states,
		Policies: s.policies,
		Timers:   s.timers,
		Notifier: s.notifier,
		Clock:    s.clock,
		Logger:   s.logger,
		Recorder: s.metrics,
	}, escalation.SettingsFromConfig(s.cfg))
	if err != nil {
		return err
	}
	if err := s.timers.Listen(s.coordinator.AcknowledgementTimeout); err != nil {
		return fmt.Errorf("listen timer expiries: %w", err)
	}

	s.buildHTTPServer()
	return s.buildNATSSubscriber()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if _, err := s.coordinator.Reconcile(shutdownCtx); err != nil {
		s.logger.Error("startup reconcile failed", "error", err.Error())
	}
	reconcileInterval := time.Duration(s.cfg.Service.ReconcileIntervalSec) * time.Second
	go s.every(shutdownCtx, reconcileInterval, "reconcile", func(ctx context.Context) error {
		_, err := s.coordinator.Reconcile(ctx)
		return err
	})
	if s.cfg.Service.ReloadEnabled {
		reloadInterval := time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second
		go s.every(shutdownCtx, reloadInterval, "reload", s.reloadConfig)
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// every runs fn on a ticker until ctx is done.
func (s *Service) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error(name+" failed", "error", err.Error())
			}
		}
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	closeStep := func(name string, fn func() error) {
		if err := fn(); err != nil {
			s.logger.Error(name+" failed", "error", err.Error())
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
		}
	}

	closeStep("http shutdown", func() error { return s.httpSrv.Shutdown(ctx) })
	if s.natsSub != nil {
		closeStep("nats subscriber close", s.natsSub.Close)
	}
	closeStep("timer facility close", s.timers.Close)
	if s.notifyQ != nil {
		closeStep("notify queue worker close", s.notifyQ.Close)
	}
	if s.notifyPub != nil {
		closeStep("notify queue producer close", s.notifyPub.Close)
	}
	closeStep("state store close", s.states.Close)
	closeStep("policy store close", s.policies.Close)
	if s.shutdownTr != nil {
		closeStep("tracing shutdown", func() error { return s.shutdownTr(ctx) })
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.timers != nil {
		_ = s.timers.Close()
		s.timers = nil
	}
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.states != nil {
		_ = s.states.Close()
		s.states = nil
	}
	if s.policies != nil {
		_ = s.policies.Close()
		s.policies = nil
	}
	if s.shutdownTr != nil {
		_ = s.shutdownTr(context.Background())
		s.shutdownTr = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires operator API with ingest, health, and metrics endpoints.
// Params: none.
// Returns: none.
func (s *Service) buildHTTPServer() {
	var ingestHandler http.Handler
	if s.cfg.HTTP.IngestEnabled {
		ingestHandler = ingest.NewHTTPHandler(s.coordinator, s.metrics, s.logger, s.cfg.HTTP.MaxBodyBytes)
	}
	router := api.NewRouter(api.Options{
		HealthPath:   s.cfg.HTTP.HealthPath,
		ReadyPath:    s.cfg.HTTP.ReadyPath,
		MetricsPath:  s.cfg.HTTP.MetricsPath,
		APIPrefix:    s.cfg.HTTP.APIPrefix,
		IngestPath:   s.cfg.HTTP.IngestPath,
		MaxBodyBytes: s.cfg.HTTP.MaxBodyBytes,
		Coordinator:  s.coordinator,
		Metrics:      s.metrics.Handler(),
		Ingest:       ingestHandler,
		Ready:        s.readyFlag.Load,
		Logger:       s.logger,
	})
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.NATS.Ingest.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.NATS.Ingest, s.coordinator, s.metrics, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildNotifier creates the synchronous dispatcher and, when the queue is
// enabled, routes steps through the durable notify queue instead.
func (s *Service) buildNotifier() error {
	next, producer, worker, err := s.buildNotifierRuntime(s.cfg)
	if err != nil {
		return err
	}
	s.notifier = newSwappableNotifier(next)
	s.notifyPub = producer
	s.notifyQ = worker
	return nil
}

// buildNotifierRuntime creates notifier plus optional queue producer/worker from config snapshot.
// Params: config snapshot.
// Returns: notifier and queue handles (nil when queue disabled).
func (s *Service) buildNotifierRuntime(cfg config.Config) (notify.Notifier, notifyqueue.Producer, notifyqueue.Worker, error) {
	dispatcher, err := notify.NewDispatcher(cfg.Notify, config.DispatchTimeout(cfg), s.logger, notify.WithObserver(s.metrics))
	if err != nil {
		return nil, nil, nil, err
	}
	if isSingleMode(cfg) || !cfg.Notify.Queue.Enabled {
		return dispatcher, nil, nil, nil
	}
	producer, err := notifyqueue.NewNATSProducer(cfg.Notify.Queue)
	if err != nil {
		return nil, nil, nil, err
	}
	worker, err := notifyqueue.NewNATSWorker(cfg.Notify.Queue, s.logger, notifyqueue.HandleJob(dispatcher))
	if err != nil {
		_ = producer.Close()
		return nil, nil, nil, err
	}
	return notifyqueue.NewNotifier(producer, s.logger), producer, worker, nil
}

// reloadConfig reloads notification settings from the config source.
// Params: context for the reload cycle.
// Returns: reload error; backend, mode, and timing changes need a restart.
func (s *Service) reloadConfig(_ context.Context) error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if isSingleMode(nextCfg) != isSingleMode(s.cfg) {
		return fmt.Errorf("service.mode change requires restart")
	}
	nextNotifier, nextProducer, nextWorker, err := s.buildNotifierRuntime(nextCfg)
	if err != nil {
		return err
	}
	s.notifier.Swap(nextNotifier)
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
	}
	s.notifyQ = nextWorker
	s.notifyPub = nextProducer
	s.cfg.Notify = nextCfg.Notify
	s.logger.Info("notification configuration reloaded")
	return nil
}

// buildStateStore creates alert state backend from config.
// Params: context for connection checks and root config snapshot.
// Returns: selected store backend.
func buildStateStore(ctx context.Context, cfg config.Config) (state.Store, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		return state.NewMemoryStore(), nil
	case config.BackendRedis:
		store, err := state.NewRedisStore(ctx, cfg.State.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := state.NewNATSStore(config.DeriveStateNATSConfig(cfg))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// buildPolicyStore creates policy backend from config.
// Params: context for connection checks and root config snapshot.
// Returns: selected store backend.
func buildPolicyStore(ctx context.Context, cfg config.Config) (policy.Store, error) {
	switch cfg.Policy.Backend {
	case config.BackendMemory:
		return policy.NewMemoryStore(), nil
	case config.BackendPostgres:
		store, err := policy.NewPostgresStore(ctx, cfg.Policy.Postgres)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := policy.NewNATSStore(config.DeriveStateNATSConfig(cfg))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// buildTimerFacility creates timer backend from config.
// Params: root config snapshot and logger.
// Returns: selected timer facility.
func buildTimerFacility(cfg config.Config, logger *slog.Logger) (listeningFacility, error) {
	if cfg.Timer.Backend == config.BackendMemory {
		return timer.NewMemoryFacility(logger), nil
	}
	facility, err := timer.NewNATSFacility(config.DeriveStateNATSConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	return facility, nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
