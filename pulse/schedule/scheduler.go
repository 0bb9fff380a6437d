package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/budget"
	"github.com/teranos/conductor/pulse/events"
	"github.com/teranos/conductor/pulse/pipeline"
	"github.com/teranos/conductor/pulse/router"
)

// Skip reasons reported with JobSkipped events
const (
	SkipBusinessHours = "outside business hours"
	SkipWeekday       = "weekend"
	SkipBudget        = "daily cost budget exhausted"
)

var (
	errStopped      = errors.New("scheduler stopped")
	errUnscheduled  = errors.New("job unscheduled")
	errNoNextRun    = errors.New("schedule has no further activations")
	errAlreadyStart = errors.New("scheduler already running")
)

// PipelineExecutor runs a job's pipeline
type PipelineExecutor interface {
	Execute(ctx context.Context, graph *pipeline.Graph, initialInput map[string]any) (*pipeline.ExecutionContext, error)
}

// GraphSource resolves a job's pipeline reference
type GraphSource interface {
	Graph(id string) (*pipeline.Graph, error)
}

// JobStore persists jobs across restarts
type JobStore interface {
	SaveJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]*Job, error)
}

// Config holds the scheduler's knobs
type Config struct {
	TickInterval       time.Duration
	MaxConcurrent      int
	BusinessHoursStart int // inclusive hour
	BusinessHoursEnd   int // exclusive hour
	DefaultTimeout     time.Duration
	RetryDelay         time.Duration
	DailyCostLimit     float64 // <= 0 disables the budget gate
	SelfTuning         bool
	StatusLogEvery     int // ticks between status lines, 0 = never
	Location           *time.Location
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:       30 * time.Second,
		MaxConcurrent:      3,
		BusinessHoursStart: 9,
		BusinessHoursEnd:   17,
		DefaultTimeout:     5 * time.Minute,
		RetryDelay:         5 * time.Minute,
		DailyCostLimit:     50,
		SelfTuning:         true,
		StatusLogEvery:     10,
		Location:           time.Local,
	}
}

// Summary is the scheduler-wide view returned by Status
type Summary struct {
	Running          bool    `json:"running"`
	TotalJobs        int     `json:"total_jobs"`
	ActiveExecutions int     `json:"active_executions"`
	MaxConcurrent    int     `json:"max_concurrent"`
	DailyCostUsed    float64 `json:"daily_cost_used"`
	DailyCostLimit   float64 `json:"daily_cost_limit"`
	PendingCount     int     `json:"pending_count"`
	FailedCount      int     `json:"failed_count"`
	PausedCount      int     `json:"paused_count"`
	Ticks            int64   `json:"ticks"`
}

// execution is one in-flight job run
type execution struct {
	id       string
	cancel   context.CancelCauseFunc
	reserved float64
}

// Scheduler owns the tick loop and every job's lifecycle
type Scheduler struct {
	cfg      Config
	exec     PipelineExecutor
	graphs   GraphSource
	router   *router.Router
	store    JobStore
	bus      *events.Bus
	budget   *budget.DailyTracker
	now      func() time.Time
	log      *zap.SugaredLogger
	pulseLog *zap.SugaredLogger

	mu            sync.Mutex
	jobs          map[string]*Job
	running       map[string]*execution
	maxConcurrent int
	ticks         int64
	lastTickAt    time.Time
	// events raised under mu, delivered in order by unlock
	outbox     []events.Event
	delivering bool

	loopCancel context.CancelFunc
	started    bool
	wg         sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithRouter makes the router available to node workers through the
// execution context (see router.FromContext)
func WithRouter(r *router.Router) Option {
	return func(s *Scheduler) { s.router = r }
}

// WithListener subscribes l to job lifecycle events
func WithListener(l events.Listener) Option {
	return func(s *Scheduler) { s.bus.Subscribe(l) }
}

// WithStore persists jobs through store
func WithStore(store JobStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithClock injects a clock
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = logger.OrDefault(l) }
}

// WithBudget shares an existing daily tracker instead of creating one
func WithBudget(b *budget.DailyTracker) Option {
	return func(s *Scheduler) { s.budget = b }
}

// New creates a scheduler. exec runs pipelines; graphs resolves job pipeline references.
func New(cfg Config, exec PipelineExecutor, graphs GraphSource, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.BusinessHoursEnd <= cfg.BusinessHoursStart {
		cfg.BusinessHoursStart, cfg.BusinessHoursEnd = def.BusinessHoursStart, def.BusinessHoursEnd
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	s := &Scheduler{
		cfg:           cfg,
		exec:          exec,
		graphs:        graphs,
		bus:           events.NewBus(nil),
		now:           time.Now,
		log:           logger.Logger,
		jobs:          make(map[string]*Job),
		running:       make(map[string]*execution),
		maxConcurrent: cfg.MaxConcurrent,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.budget == nil {
		s.budget = budget.NewDailyTrackerWithClock(cfg.DailyCostLimit, cfg.Location, s.now)
	}
	s.pulseLog = logger.AddPulseSymbol(s.log)
	return s
}

// ScheduleJob validates spec and adds the job. Only validation errors
// are returned synchronously; everything later is recorded in job history.
func (s *Scheduler) ScheduleJob(spec JobSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	graph, err := s.graphs.Graph(spec.PipelineID)
	if err != nil {
		return "", errors.WrapValidation(err, "job "+spec.Name+": pipeline "+spec.PipelineID)
	}
	if err := graph.Validate(nil); err != nil {
		return "", err
	}

	now := s.now()
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Priority == 0 {
		spec.Priority = PriorityNormal
	}

	job := &Job{
		ID:        spec.ID,
		Spec:      spec,
		Status:    StatusPending,
		Interval:  spec.Interval,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.NextRunAt, err = s.firstRun(job, now)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return "", errors.NewValidationError("job %s already scheduled", job.ID)
	}
	if err := s.persist(job); err != nil {
		return "", err
	}
	s.jobs[job.ID] = job

	s.pulseLog.Infow("Job scheduled",
		logger.FieldJobID, job.ID,
		logger.FieldJobName, spec.Name,
		"kind", spec.Kind,
		logger.FieldNextRunAt, job.NextRunAt.Format(time.RFC3339),
	)
	s.emitJob(job, events.JobScheduled, "", "", nil)
	return job.ID, nil
}

func (s *Scheduler) firstRun(job *Job, now time.Time) (time.Time, error) {
	spec := job.Spec
	switch spec.Kind {
	case KindCron:
		sched, err := cronParser.Parse(spec.CronExpr)
		if err != nil {
			return time.Time{}, errors.WrapValidation(err, "cron expression")
		}
		next := nextCron(sched, now.In(s.cfg.Location), 0)
		if next.IsZero() {
			return time.Time{}, errors.NewValidationError("job %q: cron expression never fires", spec.Name)
		}
		return next, nil
	case KindAdaptive:
		if !spec.RunAt.IsZero() {
			return spec.RunAt, nil
		}
		return nextAdaptive(now, s.cfg.Location, s.cfg.BusinessHoursStart, 0), nil
	default:
		if spec.RunAt.IsZero() {
			return now, nil
		}
		return spec.RunAt, nil
	}
}

// Unschedule removes a job, cancelling its in-flight execution
func (s *Scheduler) Unschedule(id string) bool {
	s.mu.Lock()
	defer s.unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false
	}
	if ex, running := s.running[id]; running {
		ex.cancel(errUnscheduled)
	}
	delete(s.jobs, id)
	if s.store != nil {
		if err := s.store.DeleteJob(context.Background(), id); err != nil {
			s.pulseLog.Warnw("Failed to delete job from store", logger.FieldJobID, id, logger.FieldError, err)
		}
	}

	job.Status = StatusCancelled
	s.pulseLog.Infow("Job unscheduled", logger.FieldJobID, id, logger.FieldJobName, job.Spec.Name)
	s.emitJob(job, events.JobCancelled, "", "unscheduled", nil)
	return true
}

// Pause moves a pending job to paused
func (s *Scheduler) Pause(id string) bool {
	return s.transition(id, StatusPending, StatusPaused)
}

// Resume moves a paused job back to pending. A missed run happens on the next tick.
func (s *Scheduler) Resume(id string) bool {
	return s.transition(id, StatusPaused, StatusPending)
}

func (s *Scheduler) transition(id string, from, to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return false
	}
	job.Status = to
	job.UpdatedAt = s.now()
	if err := s.persist(job); err != nil {
		s.pulseLog.Warnw("Failed to persist job", logger.FieldJobID, id, logger.FieldError, err)
	}
	s.pulseLog.Infow("Job "+string(to), logger.FieldJobID, id)
	return true
}

// GetJob returns a copy of one job
func (s *Scheduler) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job.clone(), nil
}

// ListJobs returns copies of every job ordered by priority then next run
func (s *Scheduler) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.clone())
	}
	sortJobs(jobs)
	return jobs
}

// Status summarises the scheduler
func (s *Scheduler) Status() Summary {
	b := s.budget.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Summary{
		Running:          s.started,
		TotalJobs:        len(s.jobs),
		ActiveExecutions: len(s.running),
		MaxConcurrent:    s.maxConcurrent,
		DailyCostUsed:    b.Spent,
		DailyCostLimit:   b.Limit,
		Ticks:            s.ticks,
	}
	for _, j := range s.jobs {
		switch j.Status {
		case StatusPending:
			st.PendingCount++
		case StatusFailed:
			st.FailedCount++
		case StatusPaused:
			st.PausedCount++
		}
	}
	return st
}

// Budget returns the daily cost tracker
func (s *Scheduler) Budget() *budget.DailyTracker {
	return s.budget
}

// SetDailyCostLimit changes the budget for subsequent admissions
func (s *Scheduler) SetDailyCostLimit(limit float64) {
	s.budget.SetLimit(limit)
	s.pulseLog.Infow("Daily cost limit updated", logger.FieldDailyLimit, limit)
}

// SetMaxConcurrent changes the concurrency gate; running executions are not affected
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.maxConcurrent = n
	s.mu.Unlock()
	s.pulseLog.Infow("Max concurrent jobs updated", logger.FieldCount, n)
}

// Tick admits every job that is ready at now. It returns the number of
// executions started. Ticking again at the same instant changes nothing.
func (s *Scheduler) Tick(now time.Time) int {
	s.mu.Lock()
	defer s.unlock()

	s.ticks++
	s.lastTickAt = now

	ready := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status != StatusPending || job.NextRunAt.After(now) {
			continue
		}
		if _, running := s.running[job.ID]; running {
			continue
		}
		if reason := s.gate(job, now); reason != "" {
			s.skip(job, reason)
			continue
		}
		ready = append(ready, job)
	}
	sortJobs(ready)

	started := 0
	for _, job := range ready {
		if len(s.running) >= s.maxConcurrent {
			break
		}
		if !s.budget.TryReserve(job.Spec.MaxCostUnits) {
			s.skip(job, SkipBudget)
			continue
		}
		job.skipReason = ""
		s.launch(job, now)
		started++
	}

	if s.cfg.StatusLogEvery > 0 && s.ticks%int64(s.cfg.StatusLogEvery) == 0 {
		s.logStatusLocked(now)
	}
	return started
}

// gate returns the reason a due job may not run now, or ""
func (s *Scheduler) gate(job *Job, now time.Time) string {
	local := now.In(s.cfg.Location)
	if job.Spec.BusinessHoursOnly && !inBusinessHours(local, s.cfg.BusinessHoursStart, s.cfg.BusinessHoursEnd) {
		return SkipBusinessHours
	}
	if job.Spec.WeekdaysOnly && !isWeekday(local) {
		return SkipWeekday
	}
	return ""
}

// skip reports a held-back job once per reason
func (s *Scheduler) skip(job *Job, reason string) {
	if job.skipReason == reason {
		return
	}
	job.skipReason = reason
	s.pulseLog.Debugw("Job held back", logger.FieldJobID, job.ID, "reason", reason)
	s.emitJob(job, events.JobSkipped, "", reason, nil)
}

func (s *Scheduler) launch(job *Job, now time.Time) {
	ctx, cancel := context.WithCancelCause(context.Background())
	ex := &execution{id: uuid.NewString(), cancel: cancel, reserved: job.Spec.MaxCostUnits}
	s.running[job.ID] = ex

	job.Status = StatusRunning
	job.UpdatedAt = now
	if err := s.persist(job); err != nil {
		s.pulseLog.Warnw("Failed to persist job", logger.FieldJobID, job.ID, logger.FieldError, err)
	}

	s.pulseLog.Infow("✿ Pulse executing job",
		logger.FieldJobID, job.ID,
		logger.FieldJobName, job.Spec.Name,
		logger.FieldExecutionID, ex.id,
		logger.FieldPipelineID, job.Spec.PipelineID,
		"priority", job.priority().String(),
	)
	s.emitJob(job, events.JobStarted, ex.id, "", nil)

	snapshot := job.clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, snapshot, ex)
	}()
}

// run executes one job snapshot outside the scheduler lock
func (s *Scheduler) run(ctx context.Context, job *Job, ex *execution) {
	started := s.now()
	rec := ExecutionRecord{ExecutionID: ex.id, StartedAt: started}

	timeout := job.Spec.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	err := s.runPipeline(ctx, job, ex.id, timeout, &rec)
	rec.Duration = s.now().Sub(started)

	cause := context.Cause(ctx)
	switch {
	case cause != nil:
		rec.Status = StatusCancelled
		rec.Error = cause.Error()
	case err != nil:
		rec.Status = StatusFailed
		rec.Error = err.Error()
		rec.ErrorDetails = errors.GetAllDetails(err)
	default:
		rec.Status = StatusCompleted
	}

	// only reported cost is charged; the reservation is released either way
	s.budget.Settle(ex.reserved, rec.CostUnits)

	s.finish(job.ID, ex, rec, cause, err)
}

type pipelineResult struct {
	ec  *pipeline.ExecutionContext
	err error
}

func (s *Scheduler) runPipeline(ctx context.Context, job *Job, execID string, timeout time.Duration, rec *ExecutionRecord) error {
	graph, err := s.graphs.Graph(job.Spec.PipelineID)
	if err != nil {
		return errors.Wrapf(err, "resolve pipeline %s", job.Spec.PipelineID)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx = pipeline.WithExecutionID(runCtx, execID)
	runCtx = logger.WithJobID(logger.WithExecutionID(runCtx, execID), job.ID)
	if s.router != nil {
		runCtx = router.NewContext(runCtx, s.router)
	}

	input := make(map[string]any, len(job.Spec.Input)+2)
	for k, v := range job.Spec.Input {
		input[k] = v
	}
	input["job_id"] = job.ID
	input["job_name"] = job.Spec.Name

	// the job keeps its slot until the executor returns, even past the deadline
	res := s.execute(runCtx, graph, input)

	if res.ec != nil {
		rec.CostUnits = res.ec.CostUnits
		rec.Skipped = res.ec.Count(pipeline.StatusSkipped)
		rec.Warnings = res.ec.Warnings
	}
	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(res.err, "job %s exceeded timeout %s", job.Spec.Name, timeout)
	}
	return res.err
}

func (s *Scheduler) execute(ctx context.Context, graph *pipeline.Graph, input map[string]any) (res pipelineResult) {
	defer func() {
		if p := recover(); p != nil {
			res = pipelineResult{err: errors.Newf("pipeline %s panicked: %v", graph.ID, p)}
		}
	}()
	ec, err := s.exec.Execute(ctx, graph, input)
	return pipelineResult{ec: ec, err: err}
}

// finish records an execution and reschedules the job
func (s *Scheduler) finish(id string, ex *execution, rec ExecutionRecord, cause, err error) {
	s.mu.Lock()
	defer s.unlock()

	if cur, ok := s.running[id]; ok && cur == ex {
		delete(s.running, id)
	}
	job, ok := s.jobs[id]
	if !ok {
		// unscheduled while running
		return
	}

	now := s.now()
	job.UpdatedAt = now
	job.appendHistory(rec)
	log := s.pulseLog.With(
		logger.FieldJobID, job.ID,
		logger.FieldJobName, job.Spec.Name,
		logger.FieldExecutionID, ex.id,
		logger.FieldDurationMS, rec.Duration.Milliseconds(),
	)

	if rec.Status == StatusCancelled {
		// stopped mid-run; the job runs again after restart
		job.Status = StatusPending
		job.LastStatus = StatusCancelled
		log.Warnw("❀ Pulse execution cancelled", "cause", cause)
		s.emitJob(job, events.JobCancelled, ex.id, cause.Error(), nil)
		s.persistLogged(job)
		return
	}

	started := rec.StartedAt
	job.LastRunAt = &started
	job.ExecutionCount++
	job.TotalCostSpent += rec.CostUnits
	job.LastStatus = rec.Status

	if rec.Status == StatusCompleted {
		job.ConsecutiveFailures = 0
		job.LastError = ""
		log.Infow("❀ Pulse OK", logger.FieldCostUnits, rec.CostUnits)
		s.emitJob(job, events.JobCompleted, ex.id, "", nil)
	} else {
		job.FailureCount++
		job.ConsecutiveFailures++
		job.LastError = rec.Error
		log.Errorw("❀ Pulse FAILED", logger.FieldError, err, "consecutive_failures", job.ConsecutiveFailures)
		s.emitJob(job, events.JobFailed, ex.id, "", err)
	}

	s.reschedule(job, now)
	s.persistLogged(job)
}

// reschedule sets the job's next state after a finished execution
func (s *Scheduler) reschedule(job *Job, now time.Time) {
	spec := job.Spec
	failed := job.LastStatus == StatusFailed
	retryAt := now.Add(max(spec.MinGap, s.cfg.RetryDelay))
	retry := failed && job.ConsecutiveFailures <= spec.RetryAttempts

	switch spec.Kind {
	case KindOnce:
		if retry {
			job.Status = StatusPending
			job.NextRunAt = retryAt
			return
		}
		job.Status = job.LastStatus

	case KindRecurring:
		if s.cfg.SelfTuning {
			timeout := spec.Timeout
			if timeout <= 0 {
				timeout = s.cfg.DefaultTimeout
			}
			if tuned, changed := tuneInterval(job.finished(), job.Interval, timeout, spec.MinGap); changed {
				s.pulseLog.Infow("Job interval tuned",
					logger.FieldJobID, job.ID,
					"from", job.Interval,
					"to", tuned,
				)
				job.Interval = tuned
			}
		}
		job.Status = StatusPending
		job.NextRunAt = nextRecurring(*job.LastRunAt, now, job.Interval, spec.MinGap)

	case KindCron:
		sched, err := cronParser.Parse(spec.CronExpr)
		var next time.Time
		if err == nil {
			next = nextCron(sched, now.In(s.cfg.Location), spec.MinGap)
		}
		if next.IsZero() {
			job.Status = job.LastStatus
			job.LastError = errNoNextRun.Error()
			return
		}
		job.Status = StatusPending
		job.NextRunAt = next

	case KindAdaptive:
		job.Status = StatusPending
		if retry {
			job.NextRunAt = retryAt
			return
		}
		hour := adaptiveHour(job.finished(), s.cfg.Location, s.cfg.BusinessHoursStart)
		job.NextRunAt = nextAdaptive(now, s.cfg.Location, hour, spec.MinGap)
	}
}

func (s *Scheduler) persist(job *Job) error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveJob(context.Background(), job)
}

func (s *Scheduler) persistLogged(job *Job) {
	if err := s.persist(job); err != nil {
		s.pulseLog.Warnw("Failed to persist job", logger.FieldJobID, job.ID, logger.FieldError, err)
	}
}

// unlock releases mu and delivers queued events with mu released, so
// listeners may call back into the scheduler. One goroutine delivers at a
// time; events queued meanwhile are picked up by that goroutine in order.
func (s *Scheduler) unlock() {
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.outbox) > 0 {
		queued := s.outbox
		s.outbox = nil
		s.mu.Unlock()
		for _, e := range queued {
			s.bus.Emit(e)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// emitJob queues an event; callers hold mu and release it with unlock
func (s *Scheduler) emitJob(job *Job, t events.Type, execID, reason string, err error) {
	s.outbox = append(s.outbox, events.AgentEvent{
		Type:        t,
		JobID:       job.ID,
		JobName:     job.Spec.Name,
		ExecutionID: execID,
		Status:      string(job.Status),
		Reason:      reason,
		Err:         err,
		At:          s.now(),
	})
}

// sortJobs orders by priority, then next run, then id
func sortJobs(jobs []*Job) {
	sort.Slice(jobs, func(a, b int) bool {
		pa, pb := jobs[a].priority(), jobs[b].priority()
		if pa != pb {
			return pa < pb
		}
		if !jobs[a].NextRunAt.Equal(jobs[b].NextRunAt) {
			return jobs[a].NextRunAt.Before(jobs[b].NextRunAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}
