// Package trigger provides the recurring timers that wake the scheduler,
// one per watch task id.
package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidPeriod is returned for non-positive periods.
var ErrInvalidPeriod = errors.New("trigger: period must be positive")

// FireFunc is called with the trigger id on every firing.
type FireFunc func(id string)

// Service registers recurring triggers keyed by id. Registering an id that
// already exists replaces it, so there is never more than one per id.
type Service interface {
	CreateRecurring(id string, periodMinutes int) error
	Cancel(id string) bool
	CancelAll() bool
	// Active returns the ids that currently have a trigger.
	Active() []string
}

// CronService runs triggers on a robfig/cron scheduler. Firings for the same
// id never overlap: a firing that comes while the previous one still runs is
// skipped.
type CronService struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	fire    FireFunc
	unit    time.Duration
	logger  *slog.Logger
	chain   cron.Chain
}

// CronOption configures a CronService.
type CronOption func(*CronService)

// WithUnit sets the length of one period unit. Default: time.Minute.
func WithUnit(d time.Duration) CronOption {
	return func(s *CronService) { s.unit = d }
}

// NewCronService returns a stopped service. Call SetHandler then Start.
func NewCronService(logger *slog.Logger, opts ...CronOption) *CronService {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &CronService{
		cron:    cron.New(cron.WithLogger(cl)),
		entries: make(map[string]cron.EntryID),
		unit:    time.Minute,
		logger:  logger,
		chain:   cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetHandler sets the callback for every firing. It must be set before the
// first trigger fires.
func (s *CronService) SetHandler(fn FireFunc) {
	s.mu.Lock()
	s.fire = fn
	s.mu.Unlock()
}

// Start starts the cron loop in its own goroutine.
func (s *CronService) Start() {
	s.cron.Start()
	s.logger.Info("trigger: started")
}

// Stop stops scheduling and waits for running firings to return.
func (s *CronService) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("trigger: stopped")
}

// CreateRecurring schedules id every periodMinutes units, replacing any
// existing trigger for id.
func (s *CronService) CreateRecurring(id string, periodMinutes int) error {
	if periodMinutes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPeriod, periodMinutes)
	}
	job := s.chain.Then(cron.FuncJob(func() { s.dispatch(id) }))

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	s.entries[id] = s.cron.Schedule(cron.Every(time.Duration(periodMinutes)*s.unit), job)
	s.logger.Debug("trigger: registered", "id", id, "period_minutes", periodMinutes)
	return nil
}

// Cancel removes the trigger for id and reports whether one existed.
func (s *CronService) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false
	}
	s.cron.Remove(entry)
	delete(s.entries, id)
	s.logger.Debug("trigger: cancelled", "id", id)
	return true
}

// CancelAll removes every trigger and reports whether any existed.
func (s *CronService) CancelAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := len(s.entries) > 0
	for id, entry := range s.entries {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
	return had
}

// Active returns the ids that currently have a trigger.
func (s *CronService) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

func (s *CronService) dispatch(id string) {
	s.mu.Lock()
	fn := s.fire
	s.mu.Unlock()
	if fn == nil {
		s.logger.Warn("trigger: fired without handler", "id", id)
		return
	}
	fn(id)
}

// cronLogger bridges cron's logger to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("trigger: cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("trigger: cron "+msg, append(keysAndValues, "error", err)...)
}
