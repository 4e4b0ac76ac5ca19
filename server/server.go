// Package server wires the taskforge components together from a config
// and serves the operations HTTP surface: Prometheus metrics, health,
// stats and a live event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/GoCodeAlone/taskforge/agent"
	"github.com/GoCodeAlone/taskforge/comms"
	"github.com/GoCodeAlone/taskforge/config"
	"github.com/GoCodeAlone/taskforge/dispatch"
	"github.com/GoCodeAlone/taskforge/handlers"
	"github.com/GoCodeAlone/taskforge/internal/logging"
	"github.com/GoCodeAlone/taskforge/monitor"
	"github.com/GoCodeAlone/taskforge/scheduler"
	"github.com/GoCodeAlone/taskforge/store"
	"github.com/GoCodeAlone/taskforge/store/natsstream"
	"github.com/GoCodeAlone/taskforge/task"
)

// Server owns every component of a taskforge process.
type Server struct {
	Queue      *task.Queue
	Scheduler  *scheduler.Scheduler
	Registry   *agent.Registry
	Bus        *comms.Bus
	Dispatcher *dispatch.Dispatcher
	Monitor    *monitor.Monitor
	Pool       *agent.Pool

	logger    zerolog.Logger
	closers   []io.Closer
	retention *monitor.Retention
	metrics   *prometheus.Registry
	hub       *Hub
	mux       *http.ServeMux
	startTime time.Time

	mu      sync.Mutex
	cfg     *config.Config
	httpSrv *http.Server
	ln      net.Listener
}

// OpenBackend opens the state store named by sc. The returned closers
// must be closed in order once the backend is no longer used.
func OpenBackend(ctx context.Context, sc config.StoreConfig) (store.Backend, []io.Closer, error) {
	switch sc.Backend {
	case config.BackendMemory:
		m := store.NewMemory()
		return m, []io.Closer{m}, nil
	case config.BackendSQLite, config.BackendNATS:
		if dir := filepath.Dir(sc.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := store.NewSQLite(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		if sc.Backend == config.BackendSQLite {
			return db, []io.Closer{db}, nil
		}
		js, err := natsstream.Connect(ctx, sc.NATSURL, sc.NATSStream)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.Compose(db, js), []io.Closer{js, db}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	backend, closers, err := OpenBackend(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:    logger.Component("server"),
		closers:   closers,
		metrics:   prometheus.NewRegistry(),
		hub:       NewHub(logger.Component("events")),
		mux:       http.NewServeMux(),
		cfg:       cfg,
		startTime: time.Now(),
	}
	if err := s.build(backend, logger); err != nil {
		s.closeBackend()
		return nil, err
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) build(backend store.Backend, logger *logging.Logger) error {
	cfg := s.cfg
	s.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := monitor.NewExporter(s.metrics)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	s.Queue = task.NewQueue(backend,
		task.WithDequeueTimeout(cfg.Scheduler.DequeueTimeout),
		task.WithQueueLogger(logger.Component("queue")),
	)
	s.Bus = comms.NewBus(backend)
	s.Registry = agent.NewRegistry(backend, s.Bus,
		agent.WithLivenessWindow(cfg.Registry.LivenessWindow),
		agent.WithRecordTTL(cfg.Registry.RecordTTL),
		agent.WithLogger(logger.Component("registry")),
	)

	monOpts := []monitor.Option{
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithTaskCeiling(cfg.Monitor.TaskCeiling),
		monitor.WithHeartbeatTimeout(cfg.Monitor.HeartbeatTimeout),
		monitor.WithExporter(exporter),
		monitor.WithEventHook(s.hub.Publish),
		monitor.WithLogger(logger.Component("monitor")),
	}
	if cfg.Monitor.SystemMetrics {
		monOpts = append(monOpts, monitor.WithMetricsSource(monitor.NewSystemSource()))
	}
	s.Monitor = monitor.New(s.Registry, nil, s.Queue, monOpts...)
	s.Registry.SetObserver(s.Monitor)

	s.Dispatcher = dispatch.New(s.Registry, s.Bus, s.Queue,
		dispatch.WithTracker(s.Monitor),
		dispatch.WithExclusiveClaim(cfg.Dispatch.ExclusiveClaim),
		dispatch.WithLogger(logger.Component("dispatch")),
	)
	s.Monitor.SetControl(s.Dispatcher)

	s.Scheduler = scheduler.New(s.Queue, append(schedulerOptions(cfg.Scheduler),
		scheduler.WithTracker(s.Monitor),
		scheduler.WithLogger(logger.Component("scheduler")),
	)...)
	if err := handlers.Register(s.Scheduler); err != nil {
		return err
	}

	regs := make([]agent.Registration, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		regs = append(regs, agent.Registration{ID: a.ID, Type: a.Type, Capabilities: a.Capabilities})
	}
	s.Pool, err = agent.NewPool(agent.Config{
		Bus:            s.Bus,
		Registry:       s.Registry,
		Executor:       s.Scheduler,
		Reporter:       s.Dispatcher,
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		Logger:         logger.Component("agent"),
	}, regs)
	if err != nil {
		return err
	}

	s.retention, err = monitor.NewRetention(s.Monitor, cfg.Monitor.CleanupSchedule, cfg.Monitor.RetentionDays, logger.Component("retention"))
	return err
}

func schedulerOptions(sc config.SchedulerConfig) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithWorkers(sc.Workers),
		scheduler.WithPollInterval(sc.PollInterval),
		scheduler.WithDefaultTimeout(sc.DefaultTimeout),
		scheduler.WithMonitorInterval(sc.MonitorInterval),
	}
}

// Start restores agent state and launches the scheduler, the in-process
// agents, the monitor, retention and, when an address is configured, the
// HTTP listener.
func (s *Server) Start(ctx context.Context) error {
	n, err := s.Registry.Restore(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().Int("agents", n).Msg("registry restored")

	if err := s.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := s.Pool.Start(ctx); err != nil {
		s.Scheduler.Stop()
		return err
	}
	if err := s.Monitor.Start(ctx); err != nil {
		_ = s.Pool.Stop(ctx)
		s.Scheduler.Stop()
		return err
	}
	s.retention.Start()

	s.mu.Lock()
	addr := s.cfg.Server.Addr
	s.mu.Unlock()
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = s.Stop(ctx)
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.mu.Lock()
	s.ln, s.httpSrv = ln, srv
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts everything down in reverse start order and closes the store.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv, s.ln = nil, nil
	s.mu.Unlock()
	if srv != nil {
		s.hub.Close()
		errs = append(errs, srv.Shutdown(ctx))
	}
	errs = append(errs, s.retention.Stop(ctx))
	s.Monitor.Stop()
	errs = append(errs, s.Pool.Stop(ctx))
	s.Scheduler.Stop()
	errs = append(errs, s.closeBackend())
	s.logger.Info().Msg("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeBackend() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Reload applies the scheduler settings of cfg and restarts the worker
// pool. Every other section is wired at construction, so changes to them
// are logged and left for the next process start.
func (s *Server) Reload(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	stale := restartSections(s.cfg, cfg)
	next := *s.cfg
	next.Scheduler = cfg.Scheduler
	s.cfg = &next
	s.mu.Unlock()
	if len(stale) > 0 {
		s.logger.Warn().Strs("sections", stale).Msg("config changes need a restart")
	}
	s.Scheduler.Reconfigure(schedulerOptions(cfg.Scheduler)...)
	if !s.Scheduler.Running() {
		return nil
	}
	return s.Scheduler.Restart(ctx)
}

// restartSections names the sections that differ between cur and next and
// cannot be applied to a running server.
func restartSections(cur, next *config.Config) []string {
	sections := []struct {
		name      string
		cur, next any
	}{
		{"store", cur.Store, next.Store},
		{"agents_registry", cur.Registry, next.Registry},
		{"dispatch", cur.Dispatch, next.Dispatch},
		{"monitor", cur.Monitor, next.Monitor},
		{"server", cur.Server, next.Server},
		{"log", cur.Log, next.Log},
		{"agents", cur.Agents, next.Agents},
	}
	var out []string
	for _, sec := range sections {
		if !reflect.DeepEqual(sec.cur, sec.next) {
			out = append(out, sec.name)
		}
	}
	return out
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
