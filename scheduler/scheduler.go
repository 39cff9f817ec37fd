// Package scheduler binds every watch task to a recurring trigger and runs
// the fetch → diff → notify cycle when a trigger fires.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/pinwatch/capture"
	"github.com/hazyhaar/pinwatch/fetch"
	"github.com/hazyhaar/pinwatch/idgen"
	"github.com/hazyhaar/pinwatch/notify"
	"github.com/hazyhaar/pinwatch/observability"
	"github.com/hazyhaar/pinwatch/trigger"
	"github.com/hazyhaar/pinwatch/watchlist"
)

var (
	// ErrInvalidTaskDefinition is returned by CreateTask for a bad period or
	// an incomplete definition. The wrapped message is meant for the user.
	ErrInvalidTaskDefinition = errors.New("scheduler: invalid task definition")
	// ErrRunInProgress is returned by CheckNow when the task is already running.
	ErrRunInProgress = errors.New("scheduler: run already in progress")
)

// Notifier is the notification step of a changed run.
type Notifier interface {
	Notify(ctx context.Context, task watchlist.WatchTask, records []watchlist.DiffRecord, set watchlist.Settings) notify.Outcome
}

// Config configures a Scheduler.
type Config struct {
	Store    *watchlist.Store
	Trigger  trigger.Service
	Fetcher  fetch.Fetcher
	Notifier Notifier

	// Events records business events. Default: observability.Nop.
	Events observability.Recorder

	// MinPeriod and MaxPeriod bound the recheck period in minutes.
	// Defaults: 1 and 1440.
	MinPeriod int
	MaxPeriod int

	// FetchTimeout bounds one page load. Default: 60s.
	FetchTimeout time.Duration

	// Registerer receives the scheduler metrics. Default: a private registry.
	Registerer prometheus.Registerer

	Logger *slog.Logger
	// Now is the clock. Default: time.Now.
	Now func() time.Time
	// NewID allocates task ids. Default: idgen.TaskID.
	NewID idgen.Generator
}

func (c *Config) defaults() {
	if c.Events == nil {
		c.Events = observability.Nop{}
	}
	if c.MinPeriod <= 0 {
		c.MinPeriod = 1
	}
	if c.MaxPeriod <= 0 {
		c.MaxPeriod = 1440
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = idgen.TaskID
	}
}

// Scheduler owns task and trigger lifecycle.
type Scheduler struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics

	root   context.Context
	cancel context.CancelFunc

	// reg serializes trigger registration against the store.
	reg sync.Mutex

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Scheduler. The caller routes trigger firings to HandleFire.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Trigger == nil || cfg.Fetcher == nil || cfg.Notifier == nil {
		return nil, fmt.Errorf("scheduler: store, trigger, fetcher and notifier are required")
	}
	cfg.defaults()
	if cfg.MinPeriod > cfg.MaxPeriod {
		return nil, fmt.Errorf("scheduler: min period %d above max period %d", cfg.MinPeriod, cfg.MaxPeriod)
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: newMetrics(cfg.Registerer),
		root:    root,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Periods returns the accepted recheck period bounds in minutes.
func (s *Scheduler) Periods() (min, max int) {
	return s.cfg.MinPeriod, s.cfg.MaxPeriod
}

// ValidatePeriod checks periodMinutes against the configured bounds.
func (s *Scheduler) ValidatePeriod(periodMinutes int) error {
	if periodMinutes < s.cfg.MinPeriod || periodMinutes > s.cfg.MaxPeriod {
		return fmt.Errorf("%w: duration can only be between %d and %d minutes",
			ErrInvalidTaskDefinition, s.cfg.MinPeriod, s.cfg.MaxPeriod)
	}
	return nil
}

// CreateTask validates def and periodMinutes, registers a trigger under a
// new id and stores the task. Nothing is registered or stored on rejection.
// If the store write fails the trigger is cancelled again.
func (s *Scheduler) CreateTask(ctx context.Context, def capture.Definition, periodMinutes int) (watchlist.WatchTask, error) {
	if err := s.ValidatePeriod(periodMinutes); err != nil {
		return watchlist.WatchTask{}, err
	}
	if def.URL == "" {
		return watchlist.WatchTask{}, fmt.Errorf("%w: url is required", ErrInvalidTaskDefinition)
	}
	fragments := dedupFragments(def.Fragments)
	if len(fragments) == 0 {
		return watchlist.WatchTask{}, fmt.Errorf("%w: select at least one fragment", ErrInvalidTaskDefinition)
	}

	task := watchlist.WatchTask{
		ID:            s.cfg.NewID(),
		Title:         def.Title,
		URL:           def.URL,
		Fragments:     fragments,
		PeriodMinutes: periodMinutes,
		CreatedAt:     s.cfg.Now().UnixMilli(),
	}

	s.reg.Lock()
	defer s.reg.Unlock()
	if err := s.cfg.Trigger.CreateRecurring(task.ID, periodMinutes); err != nil {
		return watchlist.WatchTask{}, fmt.Errorf("scheduler: register trigger: %w", err)
	}
	if err := s.cfg.Store.Insert(ctx, task); err != nil {
		s.cfg.Trigger.Cancel(task.ID)
		return watchlist.WatchTask{}, fmt.Errorf("scheduler: store task: %w", err)
	}

	s.metrics.tasks.Inc()
	s.logger.Info("scheduler: task created", "task_id", task.ID, "url", task.URL,
		"fragments", len(task.Fragments), "period_minutes", periodMinutes)
	s.cfg.Events.Record(ctx, observability.Event{
		Type: observability.TaskCreated, TaskID: task.ID, Success: true,
		Details: map[string]any{"url": task.URL, "period_minutes": periodMinutes},
	})
	return task, nil
}

// RemoveTask cancels any in-flight run and the trigger of id, then deletes
// the task. A trigger that fails to cancel is logged: the task is still
// deleted and a later firing is handled as orphaned.
func (s *Scheduler) RemoveTask(ctx context.Context, id string) error {
	s.reg.Lock()
	defer s.reg.Unlock()
	s.cancelRun(id)
	if !s.cfg.Trigger.Cancel(id) {
		s.logger.Warn("scheduler: trigger cancel failed", "task_id", id)
	}

	found, err := s.cfg.Store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: delete task: %w", err)
	}
	if !found {
		return fmt.Errorf("scheduler: remove: %w", watchlist.ErrTaskNotFound)
	}

	s.metrics.tasks.Dec()
	s.logger.Info("scheduler: task removed", "task_id", id)
	s.cfg.Events.Record(ctx, observability.Event{Type: observability.TaskRemoved, TaskID: id, Success: true})
	return nil
}

// RemoveAll cancels every run and trigger and clears the watch list.
// Settings are kept.
func (s *Scheduler) RemoveAll(ctx context.Context) (int, error) {
	s.reg.Lock()
	defer s.reg.Unlock()
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	if !s.cfg.Trigger.CancelAll() {
		s.logger.Debug("scheduler: no triggers to cancel")
	}
	n, err := s.cfg.Store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: delete all: %w", err)
	}
	s.metrics.tasks.Set(0)
	s.logger.Info("scheduler: all tasks removed", "count", n)
	s.cfg.Events.Record(ctx, observability.Event{
		Type: observability.TaskRemoved, Success: true, Details: map[string]any{"count": n},
	})
	return n, nil
}

// RestartAll registers a trigger for every stored task with its stored id
// and period. History is left alone. It returns how many triggers were
// registered; the first registration error is returned after trying all.
func (s *Scheduler) RestartAll(ctx context.Context) (int, error) {
	s.reg.Lock()
	defer s.reg.Unlock()
	tasks, err := s.cfg.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list tasks: %w", err)
	}

	var (
		n        int
		firstErr error
	)
	for _, t := range tasks {
		if err := s.cfg.Trigger.CreateRecurring(t.ID, t.PeriodMinutes); err != nil {
			s.logger.Error("scheduler: restart trigger failed", "task_id", t.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("scheduler: restart %s: %w", t.ID, err)
			}
			continue
		}
		n++
	}

	s.metrics.tasks.Set(float64(n))
	s.logger.Info("scheduler: triggers restored", "count", n, "tasks", len(tasks))
	s.cfg.Events.Record(ctx, observability.Event{
		Type: observability.TasksRestarted, Success: firstErr == nil, Details: map[string]any{"count": n},
	})
	return n, firstErr
}

// Sync reconciles the triggers with the stored tasks after the store was
// written by another process: stored tasks without a trigger get one, and
// triggers whose task is gone are cancelled along with their run.
func (s *Scheduler) Sync(ctx context.Context) (added, dropped int, err error) {
	s.reg.Lock()
	defer s.reg.Unlock()
	tasks, err := s.cfg.Store.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler: list tasks: %w", err)
	}

	active := make(map[string]bool)
	for _, id := range s.cfg.Trigger.Active() {
		active[id] = true
	}
	for _, t := range tasks {
		if active[t.ID] {
			delete(active, t.ID)
			continue
		}
		if cerr := s.cfg.Trigger.CreateRecurring(t.ID, t.PeriodMinutes); cerr != nil {
			s.logger.Error("scheduler: sync trigger failed", "task_id", t.ID, "error", cerr)
			if err == nil {
				err = fmt.Errorf("scheduler: sync %s: %w", t.ID, cerr)
			}
			continue
		}
		added++
	}
	for id := range active {
		s.cancelRun(id)
		s.cfg.Trigger.Cancel(id)
		dropped++
	}

	s.metrics.tasks.Set(float64(len(tasks)))
	if added > 0 || dropped > 0 {
		s.logger.Info("scheduler: triggers synced", "added", added, "dropped", dropped)
	}
	return added, dropped, err
}

// HandleFire is the trigger callback. It never returns an error: every
// failure is logged and the task waits for its next firing.
func (s *Scheduler) HandleFire(id string) {
	if s.root.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.run(s.root, id)
}

// CheckNow runs the task immediately and reports the result.
func (s *Scheduler) CheckNow(ctx context.Context, id string) (*RunReport, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	rep := s.run(ctx, id)
	switch rep.Outcome {
	case OutcomeSkipped:
		return rep, ErrRunInProgress
	case OutcomeTaskNotFound, OutcomeRemoved:
		return rep, fmt.Errorf("scheduler: check %s: %w", id, watchlist.ErrTaskNotFound)
	}
	return rep, rep.Err
}

// Running reports whether a run for id is in flight.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Cancel interrupts in-flight runs started by HandleFire; later firings
// return at once. It does not wait.
func (s *Scheduler) Cancel() {
	s.cancel()
}

// Close cancels in-flight runs and waits for them to return.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) claim(parent context.Context, id string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.running[id]; busy {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.running[id] = cancel
	return ctx, true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Scheduler) cancelRun(id string) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Debug("scheduler: in-flight run cancelled", "task_id", id)
	}
}

func dedupFragments(in []watchlist.Fragment) []watchlist.Fragment {
	seen := make(map[string]bool, len(in))
	out := make([]watchlist.Fragment, 0, len(in))
	for _, f := range in {
		if f.Locator == "" || seen[f.Locator] {
			continue
		}
		seen[f.Locator] = true
		out = append(out, f)
	}
	return out
}
