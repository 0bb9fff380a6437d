package orchestrator

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/events"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/pulse/router"
	"github.com/teranos/conductor/pulse/schedule"
	"github.com/teranos/conductor/pulse/usage"
)

// PassthroughWorkerName is a built-in worker that returns its upstream results
const PassthroughWorkerName = "passthrough"

// Orchestrator owns one instance of every core component and wires them together
type Orchestrator struct {
	cfg *am.Config
	log *zap.SugaredLogger

	db     *sql.DB
	ownsDB bool

	tracker   *usage.Tracker
	router    *router.Router
	registry  *pipeline.Registry
	executor  *pipeline.Executor
	catalog   *Catalog
	results   *ResultStore
	scheduler *schedule.Scheduler

	mu      sync.Mutex
	started bool
}

type options struct {
	db        *sql.DB
	caller    Caller
	workers   map[string]pipeline.Worker
	listeners []events.Listener
	log       *zap.SugaredLogger
	now       func() time.Time
}

// Option configures an Orchestrator
type Option func(*options)

// WithDB uses an already opened and migrated database instead of database.path
func WithDB(conn *sql.DB) Option {
	return func(o *options) { o.db = conn }
}

// WithCaller registers the backend worker on top of caller
func WithCaller(c Caller) Option {
	return func(o *options) { o.caller = c }
}

// WithWorker registers an additional pipeline worker. The built-in names
// passthrough and backend are taken.
func WithWorker(name string, w pipeline.Worker) Option {
	return func(o *options) { o.workers[name] = w }
}

// WithEventListener subscribes l to pipeline and job events
func WithEventListener(l events.Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// WithOrchestratorLogger sets the base logger
func WithOrchestratorLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.log = l }
}

// WithOrchestratorClock injects a clock into every component
func WithOrchestratorClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds the component graph described by cfg. Nothing runs until Start.
func New(cfg *am.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{workers: make(map[string]pipeline.Worker), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrDefault(o.log)

	orc := &Orchestrator{cfg: cfg, log: log, db: o.db}
	if orc.db == nil && cfg.Database.Path != "" {
		conn, err := db.OpenWithMigrations(cfg.Database.Path, log)
		if err != nil {
			return nil, err
		}
		orc.db, orc.ownsDB = conn, true
	}

	usageCfg := usage.Config{SweepInterval: cfg.Usage.SweepInterval()}
	if orc.db != nil && cfg.Usage.Persist {
		usageCfg.Store = usage.NewStore(orc.db)
	}
	orc.tracker = usage.NewTrackerWithClock(usageCfg, log.Named("usage"), o.now)
	for _, b := range Backends(cfg) {
		orc.tracker.Register(b)
	}
	orc.router = router.New(orc.tracker, router.DefaultMatrix().Merge(cfg.Router.Matrix), RouterConfig(cfg), log.Named("router"))

	orc.registry = pipeline.NewRegistry()
	orc.registry.RegisterFunc(PassthroughWorkerName, func(_ context.Context, in *pipeline.NodeInput) (any, error) {
		return in.Upstream, nil
	})
	if o.caller != nil {
		orc.registry.Register(BackendWorkerName, NewBackendWorker(o.caller, orc.tracker,
			WithDefaultRouter(orc.router),
			WithCostPer1KTokens(cfg.Orchestrator.CostPer1KTokens),
			WithWorkerClock(o.now),
			WithWorkerLogger(log.Named("backend")),
		))
	}
	for name, w := range o.workers {
		orc.registry.Register(name, w)
	}

	bus := events.NewBus(log, append([]events.Listener{events.LogListener(log.Named("events"))}, o.listeners...)...)
	orc.executor = pipeline.NewExecutor(orc.registry,
		pipeline.WithListener(bus),
		pipeline.WithLogger(log.Named("pipeline")),
		pipeline.WithMaxParallel(cfg.Pipeline.MaxParallelNodes),
		pipeline.WithClock(o.now),
	)
	orc.catalog = NewCatalog(cfg.Pipeline.Dir, log.Named("catalog"))

	var exec schedule.PipelineExecutor = orc.executor
	if orc.db != nil {
		orc.results = NewResultStore(orc.db)
		exec = NewRecordingExecutor(orc.executor, orc.results, log.Named("results"))
	}

	schedCfg, err := SchedulerConfig(cfg)
	if err != nil {
		orc.closeDB()
		return nil, err
	}
	schedOpts := []schedule.Option{
		schedule.WithRouter(orc.router),
		schedule.WithListener(bus),
		schedule.WithClock(o.now),
		schedule.WithLogger(log.Named("pulse")),
	}
	if orc.db != nil {
		schedOpts = append(schedOpts, schedule.WithStore(schedule.NewStore(orc.db)))
	}
	orc.scheduler = schedule.New(schedCfg, exec, orc.catalog, schedOpts...)
	return orc, nil
}

// Start loads pipelines and persisted state, starts the usage sweep and the
// scheduler, then schedules the jobs of the configured jobs file that are
// not already known.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	if err := o.catalog.Load(); err != nil {
		return err
	}
	if err := o.tracker.LoadState(ctx); err != nil {
		o.log.Warnw("Failed to restore backend state", logger.FieldError, err)
	}
	o.tracker.Start(ctx)

	if err := o.scheduler.Start(ctx); err != nil {
		o.tracker.Stop()
		return err
	}

	if path := o.cfg.Orchestrator.JobsFile; path != "" {
		if _, err := o.loadJobsLocked(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				o.scheduler.Stop()
				o.tracker.Stop()
				return err
			}
			o.log.Debugw("No jobs file", "path", path)
		}
	}

	o.started = true
	return nil
}

// LoadJobs schedules every job in path whose id is not already scheduled.
// It returns the number of jobs added.
func (o *Orchestrator) LoadJobs(path string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loadJobsLocked(path)
}

func (o *Orchestrator) loadJobsLocked(path string) (int, error) {
	specs, err := LoadJobSpecs(path)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, spec := range specs {
		if _, err := o.scheduler.GetJob(spec.ID); err == nil {
			continue
		}
		if _, err := o.scheduler.ScheduleJob(spec); err != nil {
			return added, errors.Wrapf(err, "schedule job %s", spec.ID)
		}
		added++
	}
	o.log.Infow("Jobs loaded", "path", path, logger.FieldCount, added, "declared", len(specs))
	return added, nil
}

// Stop halts the scheduler and the usage sweep, persists backend state and
// closes the database if the orchestrator opened it
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		o.scheduler.Stop()
		o.tracker.Stop()
		// one last sweep persists the latest backend state
		o.tracker.Sweep()
		o.started = false
	}
	return o.closeDB()
}

func (o *Orchestrator) closeDB() error {
	if !o.ownsDB || o.db == nil {
		return nil
	}
	err := o.db.Close()
	o.db = nil
	return err
}

// ApplyConfig applies the settings that can change at runtime: the daily cost
// limit, the concurrency gate and the pipeline catalog
func (o *Orchestrator) ApplyConfig(cfg *am.Config) {
	if cfg == nil {
		return
	}
	o.mu.Lock()
	prev := o.cfg
	o.cfg = cfg
	o.mu.Unlock()

	if cfg.Budget.DailyCostLimit != prev.Budget.DailyCostLimit {
		o.scheduler.SetDailyCostLimit(cfg.Budget.DailyCostLimit)
	}
	if cfg.Pulse.MaxConcurrentJobs != prev.Pulse.MaxConcurrentJobs {
		o.scheduler.SetMaxConcurrent(cfg.Pulse.MaxConcurrentJobs)
	}
	if err := o.catalog.Load(); err != nil {
		o.log.Warnw("Failed to reload pipelines", logger.FieldError, err)
	}
}

// Scheduler returns the scheduler
func (o *Orchestrator) Scheduler() *schedule.Scheduler { return o.scheduler }

// Tracker returns the usage tracker
func (o *Orchestrator) Tracker() *usage.Tracker { return o.tracker }

// Router returns the backend router
func (o *Orchestrator) Router() *router.Router { return o.router }

// Registry returns the worker registry
func (o *Orchestrator) Registry() *pipeline.Registry { return o.registry }

// Executor returns the pipeline executor
func (o *Orchestrator) Executor() *pipeline.Executor { return o.executor }

// Catalog returns the pipeline catalog
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Results returns the result store, or nil without a database
func (o *Orchestrator) Results() *ResultStore { return o.results }
