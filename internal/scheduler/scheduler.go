// Package scheduler fires scrape runs for active sources at their cron
// times and accepts manual triggers. At most one run per source executes at
// a time; runs execute on a bounded worker pool so the dispatch loop never
// blocks on a slow site.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/safety-monitor/internal/ingest"
	"github.com/sells-group/safety-monitor/internal/keylock"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/store"
)

// Runner executes one scrape of a source.
type Runner interface {
	Run(ctx context.Context, src model.Source) (*ingest.Result, error)
}

// RejectReason explains why a trigger was not accepted.
type RejectReason string

// Trigger rejection reasons.
const (
	ReasonAlreadyRunning RejectReason = "already-running"
	ReasonUnknownSource  RejectReason = "unknown-source"
	ReasonInactive       RejectReason = "inactive"
)

// TriggerResult is the answer to a manual trigger. Rejected triggers are
// reported, never queued.
type TriggerResult struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	// Workers bounds concurrently executing runs. Default: 4.
	Workers int
	// Tick is how often due times are checked. Default: 30s.
	Tick time.Duration
	// DefaultSchedule applies to sources without a cron expression.
	DefaultSchedule string
	// RunTimeout bounds a single run. Zero means no limit.
	RunTimeout time.Duration
	// AfterRun, if set, is called after every successful run once the
	// source lock and the worker slot have been released. Calls are
	// serialised.
	AfterRun func(ctx context.Context, src model.Source, res *ingest.Result)
}

type entry struct {
	src      model.Source
	schedule cron.Schedule
	next     time.Time
}

// Scheduler owns the per-source locks and the worker pool. Construct one
// per process with New; Stop tears it down.
type Scheduler struct {
	store  store.Store
	runner Runner
	opts   Options
	locks  *keylock.Set
	pool   errgroup.Group
	hooks  errgroup.Group

	mu      sync.Mutex
	entries map[string]*entry
	loaded  bool

	// pending counts dispatches still waiting for a pool slot;
	// pendingHooks the same for AfterRun calls.
	pending      sync.WaitGroup
	pendingHooks sync.WaitGroup

	runCtx    context.Context
	cancelRun context.CancelFunc
	loopDone  chan struct{}
	stopOnce  sync.Once

	now func() time.Time
}

// New creates a Scheduler. Call Load (or Start) before relying on due times.
func New(st store.Store, runner Runner, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.DefaultSchedule == "" {
		opts.DefaultSchedule = "0 6 * * *"
	}
	s := &Scheduler{
		store:   st,
		runner:  runner,
		opts:    opts,
		locks:   keylock.New(),
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.pool.SetLimit(opts.Workers)
	s.hooks.SetLimit(1)
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	return s
}

// Load reads every source from the store and computes next due times from
// last_run_at. Missed occurrences are not backfilled.
func (s *Scheduler) Load(ctx context.Context) error {
	sources, err := s.store.ListSources(ctx, false)
	if err != nil {
		return eris.Wrap(err, "scheduler: load sources")
	}

	now := s.now()
	entries := make(map[string]*entry, len(sources))
	for _, src := range sources {
		e, err := s.newEntry(src, now)
		if err != nil {
			zap.L().Warn("scheduler: skipping source with invalid schedule",
				zap.String("source", src.Code),
				zap.String("schedule", src.Schedule),
				zap.Error(err),
			)
			continue
		}
		entries[src.Code] = e
	}

	s.mu.Lock()
	s.entries = entries
	s.loaded = true
	s.mu.Unlock()

	zap.L().Info("scheduler: sources loaded", zap.Int("count", len(entries)))
	return nil
}

func (s *Scheduler) newEntry(src model.Source, now time.Time) (*entry, error) {
	expr := src.Schedule
	if expr == "" {
		expr = s.opts.DefaultSchedule
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: parse schedule %q", expr)
	}
	return &entry{
		src:      src,
		schedule: sched,
		next:     NextDue(sched, src.LastRunAt, now),
	}, nil
}

// NextDue returns the first occurrence of sched after lastRun, or after now
// when that occurrence has already passed.
func NextDue(sched cron.Schedule, lastRun *time.Time, now time.Time) time.Time {
	if lastRun != nil {
		if next := sched.Next(*lastRun); next.After(now) {
			return next
		}
	}
	return sched.Next(now)
}

// Start loads sources if needed and runs the dispatch loop until ctx is
// done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}

	s.loopDone = make(chan struct{})
	go s.loop(ctx)
	zap.L().Info("scheduler: started",
		zap.Int("workers", s.opts.Workers),
		zap.Duration("tick", s.opts.Tick),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(s.now())
		}
	}
}

// dispatchDue starts every active source whose due time has passed. It
// never blocks on a run.
func (s *Scheduler) dispatchDue(now time.Time) {
	var due []model.Source
	s.mu.Lock()
	for _, e := range s.entries {
		if !e.src.Active || e.next.After(now) {
			continue
		}
		e.next = e.schedule.Next(now)
		due = append(due, e.src)
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Code < due[j].Code })
	for _, src := range due {
		if !s.locks.TryLock(src.Code) {
			zap.L().Info("scheduler: skipping due run, previous run still active", zap.String("source", src.Code))
			continue
		}
		s.dispatch(src, "cron")
	}
}

// Trigger requests an immediate run of the source with the given code. The
// source is re-read from the store, so sources registered or deactivated
// after Load are seen.
func (s *Scheduler) Trigger(ctx context.Context, code string) (TriggerResult, error) {
	src, ok, err := s.lookup(ctx, code)
	if err != nil {
		return TriggerResult{}, err
	}
	if !ok {
		return TriggerResult{Reason: ReasonUnknownSource}, nil
	}
	if !src.Active {
		return TriggerResult{Reason: ReasonInactive}, nil
	}
	if !s.locks.TryLock(code) {
		return TriggerResult{Reason: ReasonAlreadyRunning}, nil
	}
	s.dispatch(src, "manual")
	return TriggerResult{Accepted: true}, nil
}

// lookup reads the source from the store so that activation changes made
// while the process runs are honoured, and refreshes the cached entry.
func (s *Scheduler) lookup(ctx context.Context, code string) (model.Source, bool, error) {
	src, err := s.store.GetSource(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		s.mu.Lock()
		delete(s.entries, code)
		s.mu.Unlock()
		return model.Source{}, false, nil
	}
	if err != nil {
		return model.Source{}, false, eris.Wrapf(err, "scheduler: look up %s", code)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[code]; ok && e.src.Schedule == src.Schedule {
		e.src = *src
		return *src, true, nil
	}
	if e, err := s.newEntry(*src, s.now()); err == nil {
		s.entries[code] = e
	}
	return *src, true, nil
}

// dispatch hands a run to the pool. The caller holds the source lock; the
// run releases it. Waiting for a free worker happens off the caller's
// goroutine.
func (s *Scheduler) dispatch(src model.Source, reason string) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.pool.Go(func() error {
			res, ok := s.execute(src, reason)
			if ok && s.opts.AfterRun != nil {
				s.afterRun(src, res)
			}
			return nil
		})
	}()
}

// afterRun queues the hook without holding the worker. Its Add happens on a
// pool task, so Stop sees it once the pool has drained.
func (s *Scheduler) afterRun(src model.Source, res *ingest.Result) {
	s.pendingHooks.Add(1)
	go func() {
		defer s.pendingHooks.Done()
		s.hooks.Go(func() error {
			if s.runCtx.Err() != nil {
				return nil
			}
			s.opts.AfterRun(s.runCtx, src, res)
			return nil
		})
	}()
}

// execute runs one scrape and releases the source lock before returning.
func (s *Scheduler) execute(src model.Source, reason string) (*ingest.Result, bool) {
	defer s.locks.Unlock(src.Code)

	log := zap.L().With(zap.String("source", src.Code), zap.String("trigger", reason))
	if s.runCtx.Err() != nil {
		log.Info("scheduler: dropping run, scheduler stopped")
		return nil, false
	}

	ctx := s.runCtx
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	log.Info("scheduler: run starting")
	res, err := s.runner.Run(ctx, src)
	if err != nil {
		log.Error("scheduler: run failed", zap.Error(err))
		return nil, false
	}

	now := s.now()
	s.mu.Lock()
	if e, ok := s.entries[src.Code]; ok {
		e.src.LastRunAt = &now
	}
	s.mu.Unlock()
	return res, true
}

// Running reports whether a run of code is in progress or waiting for a
// worker.
func (s *Scheduler) Running(code string) bool {
	return s.locks.Held(code)
}

// NextDue returns the next scheduled run of code. ok is false for unknown
// or inactive sources.
func (s *Scheduler) NextDue(code string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[code]
	if !ok || !e.src.Active {
		return time.Time{}, false
	}
	return e.next, true
}

// SourceStatus is a point-in-time view of one scheduled source.
type SourceStatus struct {
	Code      string     `json:"code"`
	Active    bool       `json:"active"`
	Running   bool       `json:"running"`
	NextDue   *time.Time `json:"next_due,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Status returns the state of every loaded source, ordered by code.
func (s *Scheduler) Status() []SourceStatus {
	s.mu.Lock()
	out := make([]SourceStatus, 0, len(s.entries))
	for code, e := range s.entries {
		st := SourceStatus{Code: code, Active: e.src.Active, LastRunAt: e.src.LastRunAt}
		if e.src.Active {
			next := e.next
			st.NextDue = &next
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	for i := range out {
		out[i].Running = s.locks.Held(out[i].Code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Stop cancels in-flight runs cooperatively and waits for them to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancelRun()
		if s.loopDone != nil {
			<-s.loopDone
		}
		s.pending.Wait()
		_ = s.pool.Wait()
		s.pendingHooks.Wait()
		_ = s.hooks.Wait()
		zap.L().Info("scheduler: stopped")
	})
}
