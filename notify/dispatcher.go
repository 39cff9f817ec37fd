// Package notify turns a detected change into a local alert and, at most
// once per pause window, an email summary.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/pinwatch/watchlist"
)

// EmailOutcome says what happened to the email step of one notification.
type EmailOutcome string

const (
	EmailDisabled  EmailOutcome = "disabled"  // no address in settings
	EmailNoMailer  EmailOutcome = "no_mailer" // no mail transport configured
	EmailThrottled EmailOutcome = "throttled" // inside the pause window
	EmailSent      EmailOutcome = "sent"
	EmailFailed    EmailOutcome = "failed"
)

// Outcome is the result of Notify. Errors are reported here and logged,
// never returned: a failed alert must not fail the run.
type Outcome struct {
	AlertErr error
	Email    EmailOutcome
	EmailErr error
}

// Config configures a Dispatcher.
type Config struct {
	Alerter Alerter
	// Mailer may be nil, in which case emails are never sent.
	Mailer Mailer
	// Throttle is shared by every task. Default: a fresh Throttle.
	Throttle *Throttle
	// DefaultSubject is the last subject fallback. Default: DefaultSubject.
	DefaultSubject string
	Logger         *slog.Logger
	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Alerter == nil {
		c.Alerter = LogAlerter{Logger: c.Logger}
	}
	if c.Throttle == nil {
		c.Throttle = NewThrottle()
	}
	if c.DefaultSubject == "" {
		c.DefaultSubject = DefaultSubject
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Dispatcher sends change notifications.
type Dispatcher struct {
	cfg Config
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	cfg.defaults()
	return &Dispatcher{cfg: cfg}
}

// Notify alerts about task's change, then emails records unless email is
// off or throttled. Call it only when the run found changes.
func (d *Dispatcher) Notify(ctx context.Context, task watchlist.WatchTask, records []watchlist.DiffRecord, set watchlist.Settings) Outcome {
	log := d.cfg.Logger
	var out Outcome

	if err := d.cfg.Alerter.Show(ctx, task.Title, task.Title+" has been updated."); err != nil {
		out.AlertErr = err
		log.Warn("notify: alert failed", "task_id", task.ID, "error", err)
	}

	if !set.EmailEnabled() {
		out.Email = EmailDisabled
		return out
	}
	if d.cfg.Mailer == nil {
		out.Email = EmailNoMailer
		log.Debug("notify: email configured but no mailer", "task_id", task.ID)
		return out
	}
	if !d.cfg.Throttle.Acquire(d.cfg.Now(), set.Pause()) {
		out.Email = EmailThrottled
		log.Info("notify: email paused", "task_id", task.ID,
			"last_sent", d.cfg.Throttle.Last(), "pause_hours", set.PauseHours)
		return out
	}

	email, err := ComposeSummary(set, task, records, d.cfg.DefaultSubject)
	if err == nil {
		err = d.cfg.Mailer.Send(ctx, email)
	}
	if err != nil {
		out.Email = EmailFailed
		out.EmailErr = err
		log.Error("notify: email failed", "task_id", task.ID, "error", err)
		return out
	}

	out.Email = EmailSent
	log.Info("notify: email sent", "task_id", task.ID, "to", set.Email, "records", len(records))
	return out
}
