package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pinwatch/diff"
	"github.com/hazyhaar/pinwatch/notify"
	"github.com/hazyhaar/pinwatch/observability"
	"github.com/hazyhaar/pinwatch/watchlist"
)

// RunReport describes one run of one task.
type RunReport struct {
	TaskID      string                 `json:"task_id"`
	Outcome     Outcome                `json:"outcome"`
	Records     []watchlist.DiffRecord `json:"records,omitempty"`
	Missing     []string               `json:"missing,omitempty"`
	Email       notify.EmailOutcome    `json:"email,omitempty"`
	Err         error                  `json:"-"`
	Transitions []State                `json:"-"`
	StartedAt   int64                  `json:"started_at"`
	FinishedAt  int64                  `json:"finished_at"`
}

type runState struct {
	s     *Scheduler
	rep   *RunReport
	state State
}

func (r *runState) to(next State) {
	if !CanTransition(r.state, next) {
		r.s.logger.Error("scheduler: illegal transition", "task_id", r.rep.TaskID,
			"from", r.state.String(), "to", next.String())
	}
	r.s.logger.Debug("scheduler: state", "task_id", r.rep.TaskID,
		"from", r.state.String(), "to", next.String())
	r.state = next
	r.rep.Transitions = append(r.rep.Transitions, next)
}

// run executes one fetch → diff → notify cycle for id. Every failure ends
// in Idle with an outcome; nothing is returned to the trigger.
func (s *Scheduler) run(parent context.Context, id string) *RunReport {
	rep := &RunReport{TaskID: id, StartedAt: s.cfg.Now().UnixMilli()}
	defer func() {
		rep.FinishedAt = s.cfg.Now().UnixMilli()
		s.metrics.runs.WithLabelValues(string(rep.Outcome)).Inc()
	}()

	ctx, ok := s.claim(parent, id)
	if !ok {
		s.logger.Info("scheduler: run skipped, previous run still in flight", "task_id", id)
		rep.Outcome = OutcomeSkipped
		return rep
	}
	defer s.release(id)
	s.metrics.inFlight.Inc()
	defer s.metrics.inFlight.Dec()

	task, err := s.cfg.Store.Get(ctx, id)
	if errors.Is(err, watchlist.ErrTaskNotFound) {
		s.orphan(parent, id, rep)
		return rep
	}
	if err != nil {
		s.logger.Error("scheduler: load task failed", "task_id", id, "error", err)
		rep.Outcome, rep.Err = OutcomeStoreFailed, err
		return rep
	}

	r := &runState{s: s, rep: rep, state: Idle}

	r.to(Fetching)
	start := time.Now()
	doc, err := s.cfg.Fetcher.Open(ctx, task.URL, s.cfg.FetchTimeout)
	s.metrics.fetch.Observe(time.Since(start).Seconds())
	if err != nil {
		r.to(Idle)
		if removedDuringRun(parent, ctx) {
			rep.Outcome = OutcomeRemoved
			s.logger.Info("scheduler: run abandoned, task removed", "task_id", id)
			return rep
		}
		rep.Outcome, rep.Err = OutcomeFetchFailed, err
		s.logger.Warn("scheduler: fetch failed", "task_id", id, "url", task.URL, "error", err)
		s.cfg.Events.Record(parent, observability.Event{
			Type: observability.RunFailed, TaskID: id, Outcome: string(rep.Outcome),
			Details: map[string]any{"error": err.Error()},
		})
		return rep
	}

	r.to(Diffing)
	res := diff.Check(task.Fragments, doc, s.cfg.Now())
	rep.Missing = res.Missing
	if len(res.Missing) > 0 {
		s.logger.Warn("scheduler: fragments not found", "task_id", id, "missing", res.Missing)
	}

	if !res.HasChanged {
		r.to(Unchanged)
		r.to(Idle)
		rep.Outcome = OutcomeUnchanged
		s.logger.Debug("scheduler: no change", "task_id", id)
		s.cfg.Events.Record(parent, observability.Event{
			Type: observability.RunCompleted, TaskID: id, Outcome: string(rep.Outcome), Success: true,
		})
		return rep
	}

	r.to(Changed)
	rep.Records = res.Records
	updated, err := s.cfg.Store.UpdateTask(parent, id, func(t *watchlist.WatchTask) error {
		t.ApplyDiff(res.Records)
		return nil
	})
	if errors.Is(err, watchlist.ErrTaskNotFound) {
		r.to(Idle)
		rep.Outcome = OutcomeRemoved
		s.logger.Info("scheduler: task removed before write-back", "task_id", id)
		return rep
	}
	if err != nil {
		r.to(Idle)
		rep.Outcome, rep.Err = OutcomeStoreFailed, fmt.Errorf("scheduler: write back: %w", err)
		s.logger.Error("scheduler: write back failed", "task_id", id, "error", err)
		s.cfg.Events.Record(parent, observability.Event{
			Type: observability.RunFailed, TaskID: id, Outcome: string(rep.Outcome),
			Details: map[string]any{"error": err.Error()},
		})
		return rep
	}

	r.to(Notifying)
	rep.Outcome = OutcomeChanged
	s.logger.Info("scheduler: change detected", "task_id", id, "records", len(res.Records))
	s.cfg.Events.Record(parent, observability.Event{
		Type: observability.RunCompleted, TaskID: id, Outcome: string(rep.Outcome), Success: true,
		Details: map[string]any{"records": len(res.Records)},
	})

	set, err := s.cfg.Store.Settings(parent)
	if err != nil {
		s.logger.Warn("scheduler: settings unavailable, using defaults", "error", err)
		set = watchlist.DefaultSettings()
	}
	out := s.cfg.Notifier.Notify(parent, updated, res.Records, set)
	rep.Email = out.Email
	s.recordEmail(parent, id, out)
	r.to(Idle)
	return rep
}

// orphan handles a firing whose task is gone: the trigger is cancelled so
// it stops firing.
func (s *Scheduler) orphan(ctx context.Context, id string, rep *RunReport) {
	rep.Outcome = OutcomeTaskNotFound
	s.logger.Warn("scheduler: task not found, cancelling trigger", "task_id", id)
	s.cfg.Trigger.Cancel(id)
	s.cfg.Events.Record(ctx, observability.Event{
		Type: observability.TaskNotFound, TaskID: id, Outcome: string(rep.Outcome),
	})
}

func (s *Scheduler) recordEmail(ctx context.Context, id string, out notify.Outcome) {
	var typ string
	switch out.Email {
	case notify.EmailSent:
		typ = observability.EmailSent
	case notify.EmailFailed:
		typ = observability.EmailFailed
	case notify.EmailThrottled:
		typ = observability.EmailThrottled
	default:
		return
	}
	e := observability.Event{Type: typ, TaskID: id, Outcome: string(out.Email), Success: out.Email == notify.EmailSent}
	if out.EmailErr != nil {
		e.Details = map[string]any{"error": out.EmailErr.Error()}
	}
	s.cfg.Events.Record(ctx, e)
}

// removedDuringRun reports whether ctx was cancelled by RemoveTask rather
// than by the caller.
func removedDuringRun(parent, ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled) && parent.Err() == nil
}
